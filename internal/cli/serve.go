package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ctfboard/internal/console"
	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/watch"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string
	NoWatch     bool

	// FlowGenerator overrides the flow token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	FlowGenerator engine.FlowTokenGenerator
}

const shutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scoreboard on stdin/stdout",
		Long: `Reconcile every known community, then process events until input ends
or the process is interrupted.

Events are read from stdin as JSON lines, for example
  {"type":"submit","participant":"alice","text":"Warmup:FLAG{x}#guild"}
and every reply, scoreboard and challenge listing is written to stdout as a
JSON line. Edits to challenge definition files reload their community.

Example:
  ctfboard serve --config ctfboard.yaml < events.jsonl
  ctfboard serve --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not watch challenge definitions")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.Error("error closing stores", "error", closeErr)
		}
	}()
	log := a.logger

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reports, err := a.reconcile(ctx, nil)
	if err != nil {
		return WrapExitError(ExitFailure, "startup reconciliation failed", err)
	}
	for _, rep := range reports {
		log.Info("community ready",
			"community_id", rep.CommunityID,
			"challenges", rep.Challenges,
			"participants", rep.Participants,
			"solves", rep.Solves,
		)
	}

	engineOpts := []engine.Option{engine.WithSink(console.NewSink(cmd.OutOrStdout()))}
	if opts.FlowGenerator != nil {
		engineOpts = append(engineOpts, engine.WithFlowTokens(opts.FlowGenerator))
	}
	eng := a.newEngine(engineOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(gctx)
		// Stop the metrics server and watcher once the loop is done.
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// The reader blocks in Read and cannot observe cancellation, so it is
	// not part of the group.
	go func() {
		err := console.NewSource(cmd.InOrStdin(), log).Run(gctx, eng)
		switch {
		case err == nil:
			log.Info("input closed")
		case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		default:
			log.Error("reading input failed", "error", err)
		}
		eng.Stop()
	}()

	addr := a.cfg.MetricsAddr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}
	if addr != "" {
		serveMetrics(gctx, g, addr, a)
	}

	if a.cfg.Watch && !opts.NoWatch {
		w, err := watch.New(a.cfg.ChallengesDir, func(ids []string) {
			for _, id := range ids {
				eng.Enqueue(engine.Event{Type: engine.EventReload, CommunityID: id})
			}
		}, watch.Options{Logger: log.With("component", "watch")})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create watcher", err)
		}
		if err := w.Start(gctx); err != nil {
			log.Warn("challenge watcher disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}

	log.Info("engine started", "communities", len(reports))
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	if err := flushDirty(a); err != nil {
		log.Warn("unsaved solves remain at shutdown", "error", err)
	}
	log.Info("engine stopped gracefully")
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, a *app) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.gatherer))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	g.Go(func() error {
		a.logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// flushDirty retries the full save of every community whose last
// incremental save failed. Communities that still cannot be saved stay
// dirty and their errors are returned joined.
func flushDirty(a *app) error {
	var errs []error
	for _, id := range a.registry.IDs() {
		st, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		st.Lock()
		if st.Dirty {
			if err := a.saveState(st); err != nil {
				a.logger.Error("failed to save dirty community", "community_id", id, "error", err)
				errs = append(errs, err)
			} else {
				st.Dirty = false
			}
		}
		st.Unlock()
	}
	return errors.Join(errs...)
}
