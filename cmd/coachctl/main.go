// Command coachctl inspects and administers a coachd installation from the
// device it runs on: it verifies audit chains, lists audit events, edits the
// routing policy and generates API keys.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/storage/sqlite"
)

type rootOptions struct {
	configPath string
	dbPath     string
	jsonOut    bool
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "coachctl",
		Short:        "Administer the coaching pipeline's local data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "local database path (overrides storage.local_path)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON")

	root.AddCommand(newLedgerCmd(opts), newPolicyCmd(opts), newKeyCmd(opts))
	return root
}

// openStore opens the on-device database named by the flags or config.
func (o *rootOptions) openStore() (*sqlite.Store, error) {
	path := o.dbPath
	if path == "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Storage.LocalPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("local database %s: %w", path, err)
	}
	return sqlite.New(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
