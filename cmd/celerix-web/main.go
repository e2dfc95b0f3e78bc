package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-web/internal/api"
	"github.com/celerix-dev/celerix-web/internal/backend"
	"github.com/celerix-dev/celerix-web/internal/config"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/metrics"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/internal/plugins/accesslog"
	"github.com/celerix-dev/celerix-web/internal/plugins/maintenance"
	"github.com/celerix-dev/celerix-web/internal/route"
	"github.com/celerix-dev/celerix-web/internal/session"
	"github.com/celerix-dev/celerix-web/internal/site"
	"github.com/celerix-dev/celerix-web/internal/vault"
	"github.com/celerix-dev/celerix-web/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "celerix-web:", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "celerix-web",
		Short:         "Web worker: plugins, sessions and access control over a shared store",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CELERIX_CONFIG"), "YAML configuration file")
	return cmd
}

// catalog lists the plugins compiled into this binary.
func catalog(sink accesslog.Sink) *plugin.Catalog {
	cat := plugin.NewCatalog()
	cat.MustRegister(maintenance.ID, maintenance.Factory)
	cat.MustRegister(accesslog.ID, accesslog.Factory(sink))
	return cat
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stderr, "celerix-web", cfg.LogLevel)
	if !cfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	be, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	rules := slices.Clone(cfg.ACLs)
	if cfg.ACLFile != "" {
		fileRules, err := config.LoadACLRules(cfg.ACLFile)
		if err != nil {
			return err
		}
		rules = append(rules, fileRules...)
	}

	m := metrics.New()
	registry := plugin.NewRegistry(be.Plugins,
		catalog(accesslog.LogSink{Logger: logging.Subsystem(logger, "access")}), logger)
	sessions := session.NewManager(be.Store,
		session.WithLeftTime(cfg.Session.Window()),
		session.WithPrefix(cfg.Session.Prefix),
		session.WithObserver(m),
		session.WithLogger(logger),
	)
	if cfg.CookieSecret == "" {
		logger.Warn("web.cookie.unsealed")
	}

	app, err := web.New(web.Options{
		Store:        be.Store,
		SyncKey:      cfg.SyncKey,
		Registry:     registry,
		Modules:      []route.Module{&site.Module{Accounts: cfg.Accounts}},
		Rules:        rules,
		Sessions:     sessions,
		Sealer:       vault.NewCookieSealer(cfg.CookieSecret),
		CookieName:   cfg.Session.Name,
		LoginURL:     cfg.LoginURL,
		TemplateGlob: cfg.TemplateGlob,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := app.Init(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	for _, id := range cfg.Plugins {
		if _, err := registry.Install(ctx, id, nil); err != nil {
			return fmt.Errorf("install %s: %w", id, err)
		}
	}

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.AdminListen != "" {
		admin := &api.Handler{Store: be.Store, Registry: registry, Sync: app.Coordinator()}
		servers = append(servers, &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           api.NewRouter(admin, m),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("web.listen", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("web.shutdown.begin")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
