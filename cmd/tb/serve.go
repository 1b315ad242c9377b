package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/eventbus"
	"github.com/steveyegge/teambook/internal/graph"
	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/server"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/streaming"
	"github.com/steveyegge/teambook/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the teambook daemon: HTTP API, websocket streaming, sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = config.GetString("serve-addr")
		}
		return runDaemon(rootCtx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (default :8723)")
	rootCmd.AddCommand(serveCmd)
}

// runDaemon wires the long-running surfaces around the shared kernel
// and blocks until the context is canceled (SIGINT/SIGTERM).
func runDaemon(ctx context.Context, addr string) error {
	bus := kern.Bus()
	bus.Register(telemetry.Observer{})

	hub := streaming.NewHub(func() storage.Store { return kern.Store() })
	bus.Register(hub)

	// Optional fan-out surfaces, enabled by environment.
	if mirror, err := eventbus.MirrorFromEnv(); err != nil {
		debug.Logf("nats mirror: %v\n", err)
	} else if mirror != nil {
		bus.Register(mirror)
		defer mirror.Close()
	}
	hooks, err := eventbus.HooksFromEnv()
	if err != nil {
		debug.Logf("event hooks: %v\n", err)
	}
	for _, h := range hooks {
		bus.Register(h)
	}

	api := server.New(kern, ids, hub)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() { sweepOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	if _, err := sched.AddFunc("@hourly", func() { hourlyMaintenance(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		debug.PrintNormal("teambook daemon listening on %s\n", addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Pump events persisted by other processes onto the local bus.
		return eventbus.RunBridge(gctx, kern.Store(), bus)
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	g.Go(func() error {
		// Follow the context file so join/use from another process
		// repoints this daemon too.
		err := config.WatchCurrentTeambook(gctx, func(name string) {
			switchDaemonTeambook(gctx, hub, name)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweepOnce expires messages, locks, events, presence, and watches.
func sweepOnce(ctx context.Context) {
	res, err := kern.Store().Sweep(ctx, time.Now())
	if err != nil {
		debug.Logf("sweep: %v\n", err)
		return
	}
	if res.Total() == 0 {
		return
	}
	telemetry.CountSwept(ctx, "messages", res.Messages)
	telemetry.CountSwept(ctx, "locks", res.Locks)
	telemetry.CountSwept(ctx, "events", res.Events)
	telemetry.CountSwept(ctx, "presence", res.Presence)
	telemetry.CountSwept(ctx, "watches", res.Watches)
	debug.Logf("sweep removed %d rows\n", res.Total())
}

// hourlyMaintenance refreshes graph ranks so recall stays ordered even
// on teambooks that only read.
func hourlyMaintenance(ctx context.Context) {
	ranker := &graph.Ranker{}
	if _, err := ranker.Refresh(ctx, kern.Store()); err != nil {
		debug.Logf("pagerank refresh: %v\n", err)
	}
}

// switchDaemonTeambook repoints the kernel when the context file
// changes. The streaming hub reads the store through the kernel, so
// authenticated connections follow automatically.
func switchDaemonTeambook(ctx context.Context, hub *streaming.Hub, name string) {
	if name == "" || name == kern.Store().Teambook() {
		return
	}
	resp := kern.Handle(ctx, "use_teambook", kernel.Params{"name": name})
	if !resp.Success {
		debug.Logf("daemon teambook switch to %s failed: %s\n", name, resp.Error)
		return
	}
	debug.PrintNormal("daemon switched to teambook %s\n", name)
}
