package vcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/flipsession/vsession/internal/vunix"
	"github.com/flipsession/vsession/vnode/vnodetest"
	"github.com/spf13/cobra"
)

func newDevnodeCmd(log *slog.Logger) *cobra.Command {
	var (
		listen string
		apiKey string
		ready  time.Duration
		fast   bool
	)

	cmd := &cobra.Command{
		Use:   "devnode",
		Short: "Serve an in-memory node that cycles through validation ceremonies",
		Long: `Serve an in-memory node that cycles through validation ceremonies.

Every lottery period starts a new epoch with freshly generated flips.
During the sessions, one more flip becomes ready on each ready interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ln, err := vunix.Listen(listen)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}

			sched := vnodetest.DefaultScheduleConfig()
			if fast {
				for i := range sched.Phases {
					sched.Phases[i].Duration /= 10
				}
			}
			if ready > 0 {
				sched.ReadyInterval = ready
			}

			n := vnodetest.New()
			if apiKey != "" {
				n.RequireKey(apiKey)
			}

			log := log.With("instance", petname.Generate(2, "-"))
			log.Info("Dev node listening", "addr", ln.Addr().String())
			return serveDevnode(cmd.Context(), log, ln, n, sched)
		},
	}

	f := cmd.Flags()
	f.StringVar(&listen, "listen", "127.0.0.1:9009", "address to serve the node RPC on")
	f.StringVar(&apiKey, "api-key", "", "require this key on every request")
	f.DurationVar(&ready, "ready-interval", 0, "how often another flip becomes ready (0 keeps the default)")
	f.BoolVar(&fast, "fast", false, "run every period ten times faster")

	return cmd
}

func serveDevnode(
	ctx context.Context, log *slog.Logger, ln net.Listener, n *vnodetest.Node, sched vnodetest.ScheduleConfig,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:     n.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vnodetest.RunSchedule(ctx, log.With("sys", "schedule"), n, sched)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = srv.Close()
	case err = <-errCh:
		cancel()
	}
	wg.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
