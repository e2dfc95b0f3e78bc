package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// adminClient talks to the admin API of a running celerix-web.
type adminClient struct {
	base string
	http *http.Client
}

func (o *RootOptions) admin() *adminClient {
	return &adminClient{
		base: strings.TrimRight(o.AdminURL, "/"),
		http: &http.Client{Timeout: o.Timeout},
	}
}

// AdminError is a non-2xx answer from the admin API.
type AdminError struct {
	Status  int
	Message string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

func (a *adminClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &AdminError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func parseConfig(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(s), &config); err != nil {
		return nil, fmt.Errorf("config must be a JSON object: %w", err)
	}
	return config, nil
}

func newPluginCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Administer plugins on a running web process",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available and installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := opts.admin().do(cmd.Context(), http.MethodGet, "/api/plugins", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})

	var installConfig string
	install := &cobra.Command{
		Use:   "install <id>",
		Short: "Install a plugin and propagate it to every process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := parseConfig(installConfig)
			if err != nil {
				return err
			}
			var body any
			if config != nil {
				body = config
			}
			var out struct {
				Installed bool `json:"installed"`
			}
			if err := opts.admin().do(cmd.Context(), http.MethodPost, "/api/plugins/"+url.PathEscape(args[0]), body, &out); err != nil {
				return err
			}
			if !out.Installed {
				fmt.Fprintln(cmd.OutOrStdout(), "already installed")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "installed")
			return nil
		},
	}
	install.Flags().StringVar(&installConfig, "config", "", "initial configuration as a JSON object")
	cmd.AddCommand(install)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove a plugin from every process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Uninstalled bool `json:"uninstalled"`
			}
			if err := opts.admin().do(cmd.Context(), http.MethodDelete, "/api/plugins/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			if !out.Uninstalled {
				fmt.Fprintln(cmd.OutOrStdout(), "not installed")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "uninstalled")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "config <id> [json]",
		Short: "Show or replace a plugin's configuration",
		Long: `Without a JSON argument, print the configuration this process has loaded.
With one, replace the stored configuration. Other processes pick the change
up at their next reload.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/plugins/" + url.PathEscape(args[0]) + "/config"
			if len(args) == 1 {
				var out map[string]any
				if err := opts.admin().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			config, err := parseConfig(args[1])
			if err != nil {
				return err
			}
			if config == nil {
				return fmt.Errorf("config must be a JSON object")
			}
			var out struct {
				Updated bool `json:"updated"`
			}
			if err := opts.admin().do(cmd.Context(), http.MethodPut, path, config, &out); err != nil {
				return err
			}
			if !out.Updated {
				return fmt.Errorf("plugin %s is not installed", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "updated")
			return nil
		},
	})

	return cmd
}
