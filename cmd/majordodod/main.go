// Command majordodod is the process entrypoint wiring the core broker
// (package broker) to a concrete StatusChangesLog backend and to the
// ambient stack (config, logging). Transport, the HTTP admin API, and TLS
// are out of scope (spec.md §1) and are not wired here.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/apurbad/majordodo/broker"
	"github.com/apurbad/majordodo/config"
	"github.com/apurbad/majordodo/statuslog"
	"github.com/apurbad/majordodo/tasksheap"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the broker TOML config file",
		Value: "majordodo.toml",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for ledger and snapshot storage (replicated mode only)",
		Value: "./majordodo-data",
	}
	singleNodeFlag = &cli.BoolFlag{
		Name:  "single-node",
		Usage: "run with an in-memory, non-replicated log instead of the pebble+flock replicated log",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "rotate logs into this file instead of stderr",
	}
)

func main() {
	app := &cli.App{
		Name:   "majordodod",
		Usage:  "replicated task-dispatch broker",
		Flags:  []cli.Flag{configFlag, dataDirFlag, singleNodeFlag, logFileFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(logFile string) log.Logger {
	var handler io.Writer
	if logFile != "" {
		handler = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	} else {
		handler = os.Stderr
	}
	glog := log.NewGlogHandler(log.NewTerminalHandlerWithLevel(handler, log.LevelInfo, false))
	logger := log.NewLogger(glog)
	log.SetDefault(logger)
	return logger
}

func run(c *cli.Context) error {
	undoMaxProcs, err := maxprocs.Set()
	defer undoMaxProcs()
	if err != nil {
		// Not fatal: falling back to the default GOMAXPROCS is safe.
		fmt.Fprintf(os.Stderr, "automaxprocs: %v\n", err)
	}

	logger := setupLogging(c.String(logFileFlag.Name))

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		logger.Warn("using default config", "err", err)
		cfg = config.DefaultCore()
	}

	mapper, err := tasksheap.ResolveMapper(cfg.Tasks.GroupMapper)
	if err != nil {
		return err
	}

	var br *broker.Broker

	registry := prometheus.NewRegistry()

	if c.Bool(singleNodeFlag.Name) {
		memLog := statuslog.NewMemoryLog()
		br = broker.New(memLog, cfg.Broker.TasksHeap.Size, mapper, cfg.FinishedTasksRetention, cfg.MaxExpiredTasksPerCycle,
			broker.WithLogger(logger),
			broker.WithMetricsRegistry(registry),
			broker.WithCheckpointPeriod(cfg.CheckpointTime),
			broker.WithPurgePeriod(cfg.FinishedTasksPurgeSchedulerPeriod),
		)
		if err := br.Start(context.Background()); err != nil {
			return fmt.Errorf("starting single-node broker: %w", err)
		}
	} else {
		dataDir := c.String(dataDirFlag.Name)
		coord, err := statuslog.NewFlockCoordinationService(dataDir)
		if err != nil {
			return fmt.Errorf("constructing coordination service: %w", err)
		}
		// ReplicatedLog needs a listener at construction time, but the
		// broker needs the constructed log, so the log is built first
		// with a forwarding listener whose target is set to the broker
		// once it exists, breaking the Broker<->log cyclic reference.
		listenerHolder := &leadershipForwarder{}
		repLog, err := statuslog.NewReplicatedLog(statuslog.ReplicatedLogConfig{
			Dir:         dataDir + "/ledger",
			SnapshotDir: dataDir + "/snapshots",
		}, coord, listenerHolder)
		if err != nil {
			return fmt.Errorf("constructing replicated log: %w", err)
		}
		br = broker.New(repLog, cfg.Broker.TasksHeap.Size, mapper, cfg.FinishedTasksRetention, cfg.MaxExpiredTasksPerCycle,
			broker.WithLogger(logger),
			broker.WithMetricsRegistry(registry),
			broker.WithCheckpointPeriod(cfg.CheckpointTime),
			broker.WithPurgePeriod(cfg.FinishedTasksPurgeSchedulerPeriod),
		)
		listenerHolder.target = br
		if err := repLog.RequestLeadership(); err != nil {
			logger.Warn("initial leadership campaign failed, will keep retrying in background", "err", err)
		}

		followCtx, followCancel := context.WithCancel(context.Background())
		defer followCancel()
		go func() {
			if err := br.FollowLeader(followCtx); err != nil && followCtx.Err() == nil {
				logger.Warn("follow-the-leader loop exited", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := br.Stop(); err != nil {
		logger.Error("error during shutdown", "err", err)
	}
	return nil
}

// leadershipForwarder breaks the construction-order cycle between
// ReplicatedLog (which needs a LeadershipListener at construction) and
// Broker (which needs the already-constructed log): it forwards callbacks
// to whichever Broker is assigned to it after the fact.
type leadershipForwarder struct {
	target statuslog.LeadershipListener
}

func (f *leadershipForwarder) LeadershipAcquired() {
	if f.target != nil {
		f.target.LeadershipAcquired()
	}
}

func (f *leadershipForwarder) LeadershipLost() {
	if f.target != nil {
		f.target.LeadershipLost()
	}
}

var _ statuslog.LeadershipListener = (*leadershipForwarder)(nil)
