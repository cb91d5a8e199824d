package vcmd

import (
	"context"
	"fmt"
	"log/slog"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/flipsession/vsession/internal/vmetrics"
	"github.com/flipsession/vsession/internal/vunix"
	"github.com/flipsession/vsession/vconfig"
	"github.com/flipsession/vsession/vengine"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vhttp"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstore"
	"github.com/flipsession/vsession/vstore/vmemstore"
	"github.com/flipsession/vsession/vstore/vsqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newRunCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the session client until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			runLog, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				log.Warn("Falling back to default logger", "err", err)
				runLog = log
			}
			runLog = runLog.With("instance", petname.Generate(2, "-"))

			return runDaemon(cmd.Context(), runLog, cfg)
		},
	}
}

func runDaemon(ctx context.Context, log *slog.Logger, cfg vconfig.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := vmetrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	store, closeStore, err := openStore(ctx, log.With("sys", "store"), cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("Failed to close store", "err", err)
		}
	}()

	node, err := vnode.NewClient(log.With("sys", "node"), vnode.ClientConfig{
		URL:     cfg.Node.URL,
		APIKey:  cfg.Node.APIKey,
		Timeout: cfg.Node.Timeout.Std(),
	})
	if err != nil {
		return err
	}

	blobs := vflip.NewBlobs()
	fetcher := vflip.NewFetcher(log.With("sys", "fetch"), node, m, vflip.FetcherConfig{
		Concurrency: cfg.Session.FetchConcurrency,
	})

	poller := vepoch.NewPoller(ctx, log.With("sys", "epoch"), node, m, vepoch.Config{
		Interval: cfg.Session.PollInterval.Std(),
	})

	e, err := vengine.New(ctx, log.With("sys", "engine"), vengine.Config{
		Store:        store,
		Node:         node,
		Fetcher:      fetcher,
		EpochUpdates: poller.Updates(),
		Blobs:        blobs,
		Metrics:      m,
		Timing: vengine.Timing{
			FetchInterval:   cfg.Session.FetchInterval.Std(),
			ExtraFlipsDelay: cfg.Session.ExtraFlipsDelay.Std(),
			WordsInterval:   cfg.Session.WordsInterval.Std(),
			WordsAttempts:   cfg.Session.WordsAttempts,
		},
	})
	if err != nil {
		cancel()
		poller.Wait()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var srv *vhttp.Server
	if cfg.Control.Listen != "" {
		ln, err := vunix.Listen(cfg.Control.Listen)
		if err != nil {
			cancel()
			poller.Wait()
			e.Wait()
			return fmt.Errorf("failed to listen for control API: %w", err)
		}

		srvCfg := vhttp.ServerConfig{
			Listener: ln,
			Engine:   e,
			Epochs:   poller,
			Store:    store,
			Blobs:    blobs,
		}
		if cfg.Control.Metrics {
			srvCfg.Gatherer = reg
		}
		srv = vhttp.NewServer(ctx, log.With("sys", "control"), srvCfg)
		log.Info("Control API listening", "addr", ln.Addr().String())
	}

	log.Info("Session client running", "node", cfg.Node.URL, "store", cfg.Store.Driver)

	<-ctx.Done()
	log.Info("Shutting down", "cause", context.Cause(ctx))

	poller.Wait()
	e.Wait()
	if srv != nil {
		srv.Wait()
	}
	return nil
}

func openStore(ctx context.Context, log *slog.Logger, cfg vconfig.StoreConfig) (vstore.Store, func() error, error) {
	switch cfg.Driver {
	case vconfig.StoreMemory:
		return vmemstore.NewStore(), func() error { return nil }, nil
	case vconfig.StoreSQLite:
		s, err := vsqlite.NewOnDiskStore(ctx, log, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store at %s: %w", cfg.Path, err)
		}
		return s, s.Close, nil
	default:
		panic(fmt.Errorf("BUG: unvalidated store driver %q", cfg.Driver))
	}
}
