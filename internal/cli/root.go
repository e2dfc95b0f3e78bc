// Package cli implements the celerix command line: direct cache access over the
// store protocol, plugin administration over the admin API, and store migration.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	StoreAddr string
	NoTLS     bool
	AdminURL  string
	Timeout   time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCommand creates the root command for the celerix CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "celerix",
		Short:         "Celerix control plane CLI",
		Long:          "Inspect the shared cache, administer plugins and migrate stores.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.StoreAddr, "store", envOr("CELERIX_STORE_ADDR", "localhost:7001"), "store daemon address")
	cmd.PersistentFlags().BoolVar(&opts.NoTLS, "no-tls", os.Getenv("CELERIX_DISABLE_TLS") == "true", "disable TLS to the store daemon")
	cmd.PersistentFlags().StringVar(&opts.AdminURL, "admin", envOr("CELERIX_ADMIN_URL", "http://127.0.0.1:8081"), "admin API base URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")

	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newDelCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newPingCommand(opts))
	cmd.AddCommand(newPluginCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func (o *RootOptions) connect() (*sdk.Client, error) {
	c, err := sdk.Connect(o.StoreAddr, sdk.WithTLS(!o.NoTLS), sdk.WithTimeout(o.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.StoreAddr, err)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, err = fmt.Fprintln(w, v)
		return err
	}
	_, err = fmt.Fprintln(w, string(bytes))
	return err
}
