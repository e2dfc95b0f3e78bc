package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a live cache value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			val, err := client.Get(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if val == nil {
				return fmt.Errorf("%s: %w", args[0], sdk.ErrKeyNotFound)
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	}
}

func newSetCommand(opts *RootOptions) *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; non-JSON input is stored as a string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := sdk.ParseTTL(ttl)
			if err != nil {
				return err
			}
			var val any
			if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
				val = args[1]
			}

			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Set(cmd.Context(), args[0], val, seconds); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "forever", "lifetime in seconds, or forever")
	return cmd
}

func newDelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			removed, err := client.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "MISSING")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newKeysCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List live keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			keys, err := client.Keys(cmd.Context())
			if err != nil {
				return err
			}
			if keys == nil {
				keys = []string{}
			}
			return printJSON(cmd.OutOrStdout(), keys)
		},
	}
}

func newPingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the store daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PONG")
			return nil
		},
	}
}
