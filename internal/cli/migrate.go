package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-web/internal/backend"
	"github.com/celerix-dev/celerix-web/internal/config"
	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/internal/logging"
)

// parseStoreArg reads driver:location, e.g. memory:./data or redis:localhost:6379.
func parseStoreArg(arg string, tls bool) (*config.Config, error) {
	driver, location, ok := strings.Cut(arg, ":")
	if !ok || location == "" {
		return nil, fmt.Errorf("invalid store %q: want driver:location", arg)
	}
	cfg := &config.Config{Store: config.StoreConfig{Driver: driver, TLS: tls}}
	switch driver {
	case config.DriverMemory, config.DriverSQLite:
		cfg.Store.Path = location
	case config.DriverRedis, config.DriverRemote:
		cfg.Store.Addr = location
	default:
		return nil, fmt.Errorf("invalid store %q: unknown driver %q", arg, driver)
	}
	return cfg, nil
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <from> <to>",
		Short: "Copy every live entry between stores",
		Long: `Copy every live cache entry from one store to another, keeping creation
times so TTLs carry over. Stores are given as driver:location:

  memory:<dir>     JSON snapshot directory
  sqlite:<path>    SQLite database file
  redis:<addr>     Redis server
  remote:<addr>    celerix-stored daemon`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.NoopLogger()

			srcCfg, err := parseStoreArg(args[0], !opts.NoTLS)
			if err != nil {
				return err
			}
			dstCfg, err := parseStoreArg(args[1], !opts.NoTLS)
			if err != nil {
				return err
			}

			src, err := backend.Open(ctx, srcCfg, logger)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer src.Close()
			dst, err := backend.Open(ctx, dstCfg, logger)
			if err != nil {
				return fmt.Errorf("open destination: %w", err)
			}

			n, err := engine.Migrate(ctx, src.Store, dst.Store)
			if cerr := dst.Close(); err == nil && cerr != nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d entries\n", n)
			return nil
		},
	}
}
