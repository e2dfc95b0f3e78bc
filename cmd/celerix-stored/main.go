package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/api"
	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/metrics"
	"github.com/celerix-dev/celerix-web/internal/server"
	"github.com/celerix-dev/celerix-web/internal/sqlstore"
	"github.com/celerix-dev/celerix-web/internal/vault"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "celerix-stored:", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "celerix-stored",
		Short:         "Shared TTL store daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "./data", "directory for the JSON snapshot")
	flags.String("sqlite", "", "serve from this SQLite file instead of the in-memory engine")
	flags.String("port", "7001", "TCP port of the store protocol")
	flags.String("http-port", "7002", "port of the HTTP management API (empty disables)")
	flags.Bool("disable-tls", false, "serve the store protocol without TLS")
	flags.String("log-level", "info", "minimum log level")

	for _, name := range []string{"data-dir", "sqlite", "port", "http-port", "disable-tls", "log-level"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("CELERIX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

// openStore returns the store to serve and a function that finalizes it.
func openStore(v *viper.Viper, logger pslog.Logger) (sdk.EnumerableStore, func() error, error) {
	if path := v.GetString("sqlite"); path != "" {
		db, err := sqlstore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("stored.engine.sqlite", "path", path)
		return db.Cache(), db.Close, nil
	}

	persister, err := engine.NewPersistence(v.GetString("data-dir"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize persistence: %w", err)
	}
	initialData, err := persister.LoadAll()
	if err != nil {
		logger.Warn("stored.engine.load_failed", "error", err)
	}
	store := engine.NewMemStore(initialData, persister)
	logger.Info("stored.engine.memory", "dir", v.GetString("data-dir"), "entries", len(initialData))
	return store, func() error { store.Wait(); return nil }, nil
}

func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func run(ctx context.Context, v *viper.Viper) error {
	logger := logging.New(os.Stderr, "celerix-stored", v.GetString("log-level"))
	gin.SetMode(gin.ReleaseMode)

	store, finalize, err := openStore(v, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("stored.shutdown.finalize")
		if err := finalize(); err != nil {
			logger.Error("stored.shutdown.finalize_failed", "error", err)
		}
	}()

	router := server.NewRouter(store, logger)
	if !v.GetBool("disable-tls") {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
		logger.Info("stored.tls.enabled")
	} else {
		logger.Warn("stored.tls.disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	port := v.GetString("port")
	g.Go(func() error {
		logger.Info("stored.tcp.listen", "port", port)
		return router.Listen(port)
	})

	var httpSrv *http.Server
	if httpPort := v.GetString("http-port"); httpPort != "" {
		r := api.NewRouter(&api.Handler{Store: store}, metrics.New(), cors)
		httpSrv = &http.Server{Addr: ":" + httpPort, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("stored.http.listen", "port", httpPort)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stored.shutdown.begin")
		router.Stop()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}
