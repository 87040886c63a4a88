package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
)

// The credential commands open the profile store directly so they work
// without a running daemon.

var showTokenFlag bool

func openStore() (*store.DB, error) {
	name := activeProfile()
	if err := profile.EnsureDir(name); err != nil {
		return nil, err
	}
	db, err := store.Open(profile.StorePath(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Inspect or seed the profile credential store",
}

var credsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which stored credential would be used",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		cfg, err := config.LoadOrDefault(profile.ConfigPath())
		if err != nil {
			return err
		}
		r := credential.NewResolver(db, zap.NewNop(), credential.FromConfig(cfg.Credentials)...)
		token, source, err := r.Which()
		if errors.Is(err, credential.ErrUnauthenticated) {
			if jsonFlag {
				return outputJSON(map[string]any{"authenticated": false})
			}
			fmt.Println("no credential found")
			return nil
		}
		if err != nil {
			return err
		}

		shown := token.Mask()
		if showTokenFlag {
			shown = string(token)
		}
		if jsonFlag {
			return outputJSON(map[string]any{"authenticated": true, "source": source, "token": shown})
		}
		fmt.Printf("Source: %s\n", source)
		fmt.Printf("Token:  %s\n", shown)
		return nil
	},
}

var credsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a raw value (token or JSON blob) under a key",
	Example: "  chatsyncctl creds set token eyJhbGciOi...\n" +
		"  chatsyncctl creds set auth-session '{\"state\":{\"token\":\"eyJ...\"}}'",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return db.Set(args[0], args[1])
	},
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a key from the credential store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return db.Delete(args[0])
	},
}

var credsKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List stored keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		keys, err := db.Keys()
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(keys)
		}
		for _, k := range keys {
			fmt.Fprintln(os.Stdout, k)
		}
		return nil
	},
}

func init() {
	credsResolveCmd.Flags().BoolVar(&showTokenFlag, "show", false, "print the full token instead of a masked one")
	credsCmd.AddCommand(credsResolveCmd, credsSetCmd, credsDeleteCmd, credsKeysCmd)
	rootCmd.AddCommand(credsCmd)
}
