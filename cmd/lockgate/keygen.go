package main

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/auth"
	"github.com/lockgate-ai/lockgate/internal/config"
	"github.com/lockgate-ai/lockgate/internal/storage/sqlite"
)

// issueKey mints a gateway key for the given user login and prints the
// plaintext secret. The secret is shown once; only its hash is stored.
// The user is created if it does not exist yet.
func issueKey(configPath, login, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	user, err := store.GetUserByLogin(ctx, login)
	if errors.Is(err, gateway.ErrNotFound) {
		user = &gateway.User{Login: login, Active: true}
		if err := store.CreateUser(ctx, user); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	plaintext, key, err := auth.NewIssuer(store).Issue(ctx, auth.IssueOpts{
		UserID: user.ID,
		Name:   name,
	})
	if err != nil {
		return err
	}

	fmt.Printf("key id:  %s\nsecret:  %s\n", key.ID, plaintext)
	return nil
}
