package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tilesim/internal/config"
	"github.com/signalsfoundry/tilesim/internal/grid"
	"github.com/signalsfoundry/tilesim/internal/logging"
	"github.com/signalsfoundry/tilesim/internal/observability"
	"github.com/signalsfoundry/tilesim/internal/prompt"
	"github.com/signalsfoundry/tilesim/internal/registry"
	"github.com/signalsfoundry/tilesim/internal/sched"
	"github.com/signalsfoundry/tilesim/timectrl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		os.Exit(1)
	}
}

// run parses args, builds the demo world and drives it until the configured
// tick count is reached, ctx is cancelled or the player quits.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a YAML config file")
	ticks := fs.Int64("ticks", -1, "number of ticks to run (0 runs until interrupted); overrides config")
	mode := fs.String("mode", "", "realtime or accelerated; overrides config")
	draw := fs.Bool("render", true, "draw the grid after every tick")
	interactive := fs.Bool("interactive", false, "add a player controlled from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *ticks >= 0 {
		cfg.Sim.Ticks = *ticks
	}
	if *mode != "" {
		cfg.Sim.Mode = *mode
	}
	runMode, err := timectrl.ParseMode(cfg.Sim.Mode)
	if err != nil {
		return err
	}

	base := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	ctx, log := logging.WithRunLogger(ctx, base)
	ctx = logging.ContextWithLogger(ctx, log)

	tracing := cfg.Tracing.Observability()
	tracing.TickSize = cfg.Sim.TickSize
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if srv := serveMetrics(cfg.Metrics.Addr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	g, err := grid.New(cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Name)
	if err != nil {
		return err
	}
	reg := registry.New[*Entity, *grid.Tile, grid.Bearing](g,
		registry.WithContext(ctx),
		registry.WithLogger(log),
		registry.WithMetrics(collector),
	)
	w := newWorld(g, reg, cfg.Sim.Seed, log)
	s, err := sched.New(sched.Time(cfg.Sim.TickSize), w,
		sched.WithLogger(log),
		sched.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	w.attach(s)

	moves := 0
	unsubscribe := reg.Subscribe(func(c registry.Change[*Entity, *grid.Tile]) {
		if c.Kind == registry.ChangeMoved {
			moves++
		}
	})
	defer unsubscribe()

	var gate *prompt.Gate[string]
	if *interactive {
		gate = prompt.NewGate[string]()
		defer gate.Close()
		go func() {
			if err := prompt.Lines(stdin, gate); err != nil {
				log.Warn(ctx, "input closed", logging.Err(err))
			}
		}()
	}
	if err := w.scenario(gate); err != nil {
		return err
	}

	tc := timectrl.NewTimeController(s, cfg.Sim.Interval, runMode, log)
	if *draw {
		tc.AddListener(func(now sched.Time) {
			if err := render(stdout, g, reg, now); err != nil {
				log.Warn(ctx, "render failed", logging.Err(err))
			}
		})
	}

	log.Info(ctx, "simulation starting",
		logging.String("mode", runMode.String()),
		logging.Int64("ticks", cfg.Sim.Ticks),
		logging.Int64("tick_size", cfg.Sim.TickSize),
		logging.Int("entities", reg.Len()),
	)
	err = tc.Run(ctx, cfg.Sim.Ticks)
	if errors.Is(err, errQuit) || errors.Is(err, prompt.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	fields := []logging.Field{
		logging.Int64("now", int64(s.Now())),
		logging.Int64("steps", tc.Steps()),
		logging.Int("moves", moves),
		logging.Int("pending", s.Pending()),
	}
	if next, ok := s.NextEventTime(); ok {
		fields = append(fields, logging.Int64("next_event", int64(next)))
	}
	log.Info(ctx, "simulation finished", fields...)
	if err != nil {
		return err
	}
	return reg.Verify()
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
