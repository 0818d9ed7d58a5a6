package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// rows are left untouched, so re-running against a live database is safe.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, u := range cfg.Users {
		if existing, _ := store.GetUser(ctx, u.ID); existing != nil {
			continue
		}
		user := &gateway.User{
			ID:        u.ID,
			Login:     u.Login,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("bootstrap user %s: %w", u.Login, err)
		}
		slog.Info("bootstrapped user", "login", u.Login)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)
		if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
			continue
		}
		key := &gateway.APIKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			UserID:     k.UserID,
			Name:       k.Name,
			KeyHash:    hash,
			RPMLimit:   k.PerMinute,
			DailyLimit: k.PerDay,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return fmt.Errorf("bootstrap key %s: %w", k.Name, err)
		}
		slog.Info("bootstrapped gateway key", "name", k.Name, "key", gateway.MaskSecret(k.Key))
	}

	for _, a := range cfg.Accounts {
		// A stable ID is the idempotency key: without one every restart would
		// mint a fresh account row.
		if a.ID == "" {
			return fmt.Errorf("bootstrap account %q: id is required", a.Name)
		}
		if existing, _ := store.GetAccount(ctx, a.ID); existing != nil {
			continue
		}
		pc := gateway.ProviderConfig{
			Provider: gateway.ServiceProvider(a.Provider),
			Auth:     gateway.AuthMethod(a.Auth),
		}
		if !pc.Supported() {
			return fmt.Errorf("bootstrap account %s: unsupported provider pair %s", a.ID, pc)
		}
		account := &gateway.Account{
			ID:       a.ID,
			UserID:   a.UserID,
			Provider: pc,
			Name:     a.Name,
			Credentials: gateway.Credentials{
				APIKey:       a.APIKey,
				AccessToken:  a.AccessToken,
				RefreshToken: a.RefreshToken,
				BaseURL:      a.BaseURL,
			},
			Active:       true,
			ProxyEnabled: a.ProxyEnabled,
			ProxyID:      a.ProxyID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateAccount(ctx, account); err != nil {
			return fmt.Errorf("bootstrap account %s: %w", a.Name, err)
		}
		slog.Info("bootstrapped upstream account", "name", a.Name, "provider", pc.String())
	}

	for _, p := range cfg.Proxies.Entries {
		proxy := &gateway.ProxyConfig{
			ID:       p.ID,
			Name:     p.Name,
			Type:     p.Type,
			Host:     p.Host,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
			Enabled:  p.IsEnabled(),
		}
		if err := store.SaveProxy(ctx, proxy); err != nil {
			return fmt.Errorf("bootstrap proxy %s: %w", p.ID, err)
		}
	}
	if cfg.Proxies.Default != "" {
		if err := store.SetDefaultProxy(ctx, cfg.Proxies.Default); err != nil {
			return fmt.Errorf("set default proxy: %w", err)
		}
	}

	return nil
}
