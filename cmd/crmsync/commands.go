package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/AngelCh415/crmsync/internal/config"
	"github.com/AngelCh415/crmsync/internal/crm"
	"github.com/AngelCh415/crmsync/internal/httpx"
	"github.com/AngelCh415/crmsync/internal/ingest"
	"github.com/AngelCh415/crmsync/internal/logging"
	"github.com/AngelCh415/crmsync/internal/metrics"
	"github.com/AngelCh415/crmsync/internal/models"
	"github.com/AngelCh415/crmsync/internal/observability"
	"github.com/AngelCh415/crmsync/internal/store"
)

func clientFlag() cli.Flag {
	return &cli.StringFlag{Name: "client", Usage: "client id from the config", Required: true, EnvVars: []string{"CRMSYNC_CLIENT"}}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one sync pass and write the snapshot",
		Flags: []cli.Flag{
			clientFlag(),
			&cli.StringFlag{Name: "mode", Value: string(models.ModeIncremental), Usage: "full or incremental"},
		},
		Action: func(c *cli.Context) error {
			mode, ok := models.ParseMode(c.String("mode"))
			if !ok {
				return errors.Errorf("invalid mode %q", c.String("mode"))
			}
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.closeLog()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			snap, err := a.etl.Run(ctx, mode)
			if err != nil {
				return errors.Wrapf(err, "sync %s", a.client)
			}
			s := ingest.Summarize(snap)
			a.log.Info("snapshot written",
				slog.String("path", a.st.Path()),
				slog.String("mode", string(s.Mode)),
				slog.Int("contacts", s.Contacts),
				slog.Int("deals", s.Deals),
				slog.Int("coverage_gaps", s.CoverageGaps))
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve reports, health and on-demand sync over HTTP",
		Flags: []cli.Flag{
			clientFlag(),
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides server.addr"},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.closeLog()

			addr := a.cfg.Server.Addr
			if c.IsSet("addr") {
				addr = c.String("addr")
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           httpx.NewRouter(a.log, a.etl, a.st, metrics.NewService(a.st), a.reg),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() {
				a.log.Info("starting server", slog.String("addr", addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "server error")
				}
				return nil
			case <-ctx.Done():
			}
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

type app struct {
	client   string
	cfg      *config.Config
	log      *slog.Logger
	reg      *prometheus.Registry
	st       *store.FileStore
	etl      *ingest.ETL
	closeLog func() error
}

func newApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	id := c.String("client")
	cc, err := cfg.Client(id)
	if err != nil {
		return nil, err
	}

	log, closeLog := logging.NewSlog(cfg.Log)
	log = log.With(slog.String("client", id))
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := observability.New(reg)

	tokens := crm.NewTokenCache(crm.StaticToken(cc.Token), nil)
	client := crm.NewClient(crm.NewHTTPClient(cfg.HTTP.Timeout), tokens, crm.Options{
		BaseURL:             cc.BaseURL,
		MaxRetries:          cfg.HTTP.MaxRetries,
		RetryBaseDelay:      cfg.HTTP.RetryBaseDelay,
		RequestsPerSecond:   cfg.HTTP.RequestsPerSecond,
		BreakerMinRequests:  cfg.HTTP.BreakerMinRequests,
		BreakerFailureRatio: cfg.HTTP.BreakerFailureRatio,
		BreakerOpenTimeout:  cfg.HTTP.BreakerOpenTimeout,
	}, log, obs)

	st := store.NewFileStore(afero.NewOsFs(), cc.SnapshotPath)
	return &app{
		client:   id,
		cfg:      cfg,
		log:      log,
		reg:      reg,
		st:       st,
		etl:      ingest.NewETL(client, st, cc, nil, log, obs),
		closeLog: closeLog,
	}, nil
}
