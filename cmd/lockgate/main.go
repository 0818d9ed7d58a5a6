// Lockgate is an LLM API gateway: it holds upstream vendor credentials,
// routes each request to a healthy account, and meters usage per gateway key.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/lockgate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	issueLogin := flag.String("issue-key", "", "mint a gateway key for the given user login and exit")
	keyName := flag.String("key-name", "cli", "name for the key minted by -issue-key")
	flag.Parse()

	if *showVersion {
		fmt.Println("lockgate", version)
		os.Exit(0)
	}

	if *issueLogin != "" {
		if err := issueKey(*configPath, *issueLogin, *keyName); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
