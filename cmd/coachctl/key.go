package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/coachllm/internal/auth"
)

// keyPrefix marks generated API keys.
const keyPrefix = "ck_"

func newKeyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generate API keys and their config hashes",
	}
	cmd.AddCommand(newKeyGenerateCmd(opts), newKeyHashCmd(opts))
	return cmd
}

func newKeyGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		user  string
		admin bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a random API key and print its config entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" && !admin {
				return errors.New("--user or --admin is required")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := keyPrefix + hex.EncodeToString(buf)
			return printKey(cmd, opts, key, user, admin)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id the key acts for")
	cmd.Flags().BoolVar(&admin, "admin", false, "allow the key to act for every user")
	return cmd
}

func newKeyHashCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "hash <api-key>",
		Short: "Print the SHA-256 hash of an existing API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printKey(cmd, opts, args[0], user, false)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id for the printed config entry")
	return cmd
}

type keyEntry struct {
	APIKey  string `json:"apiKey"`
	KeyHash string `json:"keyHash"`
	UserID  string `json:"userId,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

func printKey(cmd *cobra.Command, opts *rootOptions, key, user string, admin bool) error {
	e := keyEntry{APIKey: key, KeyHash: auth.HashAPIKey(key), UserID: user, Admin: admin}
	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return writeJSON(out, e)
	}
	fmt.Fprintf(out, "API Key: %s\n", e.APIKey)
	fmt.Fprintf(out, "SHA-256 Hash: %s\n", e.KeyHash)
	fmt.Fprintln(out, "\nAdd this to your config.yaml:")
	fmt.Fprintln(out, "auth:")
	fmt.Fprintln(out, "  api_keys:")
	fmt.Fprintf(out, "    - key_hash: %q\n", e.KeyHash)
	if e.UserID != "" {
		fmt.Fprintf(out, "      user_id: %q\n", e.UserID)
	}
	if e.Admin {
		fmt.Fprintln(out, "      admin: true")
	}
	return nil
}
