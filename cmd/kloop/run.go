package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alfredjeanlab/kloop/internal/archive"
	"github.com/alfredjeanlab/kloop/internal/config"
	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/idgen"
	"github.com/alfredjeanlab/kloop/internal/loop"
	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/presence"
	"github.com/alfredjeanlab/kloop/internal/server"
	"github.com/alfredjeanlab/kloop/internal/ui"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run work cycles until every task is complete",
	GroupID: "loop",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLoop(ctx, cfg, newLogger())
	},
}

func init() {
	f := runCmd.Flags()
	f.String("model", "", "worker model identifier")
	f.Int("max-iterations", 0, "iteration ceiling")
	f.Duration("pause", 0, "pause between iterations")
	f.StringSlice("context-file", nil, "context file passed to the worker (repeatable)")
	f.Bool("no-server", false, "do not start the event stream server")
	f.String("http-addr", "", "event stream listen address")
	f.String("grpc-addr", "", "gRPC health listen address")
}

// applyRunFlags overrides cfg with flags given on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model, _ = f.GetString("model")
	}
	if f.Changed("max-iterations") {
		cfg.MaxIterations, _ = f.GetInt("max-iterations")
	}
	if f.Changed("pause") {
		d, _ := f.GetDuration("pause")
		cfg.Pause = config.Duration(d)
	}
	if f.Changed("context-file") {
		cfg.ContextFiles, _ = f.GetStringSlice("context-file")
	}
	if f.Changed("no-server") {
		off, _ := f.GetBool("no-server")
		cfg.Server.Enabled = !off
	}
	if f.Changed("http-addr") {
		cfg.Server.HTTPAddr, _ = f.GetString("http-addr")
	}
	if f.Changed("grpc-addr") {
		cfg.Server.GRPCAddr, _ = f.GetString("grpc-addr")
	}
	return cfg.Validate()
}

// loopPause converts the configured pause to the loop's convention, where
// zero selects the default and a negative value disables the pause.
func loopPause(d config.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d.D()
}

func runLoop(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	runID, err := idgen.RunID()
	if err != nil {
		return fmt.Errorf("generating run id: %w", err)
	}
	logger = logger.With("run", runID)
	buf := events.NewBuffer()

	// Mirror buffer events onto NATS.
	publisher := newPublisher(cfg, logger)
	defer publisher.Close()
	stopMirror := events.Mirror(buf, publisher, logger)
	defer stopMirror()

	store := newJournal(ctx, cfg, logger)
	defer store.Close()

	// The servers outlive the loop's context so a cancelled run still
	// reports its final events before shutting down.
	srvCtx, stopServers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stopServers()

	if cfg.Server.Enabled {
		srv := server.New(buf,
			server.WithQueueSize(cfg.Server.QueueSize),
			server.WithLogger(logger),
		)
		srv.Presence.StartSweeper(&presence.SweepConfig{})
		defer srv.Presence.Stop()

		lis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
		if err != nil {
			return fmt.Errorf("event stream server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(srvCtx, lis, srv.NewHTTPHandler(cfg.Server.AuthToken)); err != nil {
				logger.Error("HTTP server error", "err", err)
			}
		}()
	}

	var healthSrv *health.Server
	if cfg.Server.GRPCAddr != "" {
		healthSrv = server.NewHealthServer()
		grpcServer := server.NewGRPCServer(healthSrv, cfg.Server.AuthToken, logger.With("component", "grpc"))
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()
		go func() {
			<-srvCtx.Done()
			grpcServer.GracefulStop()
		}()
	}

	archiver := archive.NewArchiver(buf, runID,
		newDestinations(ctx, cfg, runID, logger),
		cfg.Archive.Interval.D(), logger)
	archiver.Start()

	l, err := loop.New(loop.Config{
		Model:         cfg.Model,
		MaxIterations: cfg.MaxIterations,
		Pause:         loopPause(cfg.Pause),
		ContextFiles:  cfg.ContextFiles,
		Provider:      newProvider(cfg),
		Worker:        newWorker(cfg),
		Buffer:        buf,
		Journal:       store,
		Logger:        logger,
		Console:       os.Stdout,
		RunID:         runID,
		OnStateChange: func(s loop.State) {
			if healthSrv != nil {
				server.SetLoopServing(healthSrv, s == loop.StateIterating)
			}
		},
	})
	if err != nil {
		return err
	}

	publishRun(publisher, logger, events.RunEvent{RunID: runID, Phase: events.PhaseStarted})
	summary, runErr := l.Run(ctx)

	finished := events.RunEvent{RunID: runID, Phase: events.PhaseFinished, Outcome: string(l.State())}
	if runErr != nil {
		finished.Error = runErr.Error()
	}
	publishRun(publisher, logger, finished)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := archiver.Stop(stopCtx); err != nil {
		logger.Warn("final archive write incomplete", "err", err)
	}

	printSummary(summary, runErr)
	return runErr
}

func publishRun(pub events.Publisher, logger *slog.Logger, e events.RunEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, events.TopicRun, e); err != nil {
		logger.Warn("failed to publish run event", "phase", e.Phase, "err", err)
	}
}

func printSummary(s *loop.Summary, err error) {
	if s == nil {
		return
	}
	result := ui.RenderCategory(model.CategorySuccess, "succeeded")
	switch {
	case errors.Is(err, context.Canceled):
		result = ui.RenderCategory(model.CategoryWarning, "cancelled")
	case err != nil:
		result = ui.RenderCategory(model.CategoryError, "failed")
	}
	fmt.Fprintf(os.Stderr, "\nRun %s %s after %d iteration(s)\n", ui.RenderAccent(s.RunID), result, s.Iterations)
	if f := s.Final; f != nil {
		fmt.Fprintf(os.Stderr, "  %d/%d completed, %d in progress, %d pending\n",
			f.Stats.Completed, f.Stats.Total, f.Stats.InProgress, f.Stats.Pending)
	}
}
