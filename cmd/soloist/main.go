package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "soloist/configs"
	"soloist/pkg/logger"
)

var version = "dev"

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	flags      overrides
	cfg        *config.Config
	log        *zap.Logger
}

// overrides are the flags that shadow config file and environment values.
type overrides struct {
	backend          string
	endpoints        []string
	path             string
	candidateID      string
	statusAddr       string
	jobCommand       string
	jobSchedule      string
	jobInterval      time.Duration
	stopTimeout      time.Duration
	maxInitAttempts  int
	releaseOnSuspend bool
	logLevel         string
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

func newRoot() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "soloist",
		Short:         "Run a job on exactly one node of a cluster",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSupervisor(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", os.Getenv("SOLOIST_CONFIG"), "YAML config file")
	f.StringVar(&a.flags.backend, "backend", "", "coordination backend: zookeeper, etcd, redis or memory")
	f.StringSliceVar(&a.flags.endpoints, "endpoints", nil, "coordination service endpoints")
	f.StringVar(&a.flags.path, "path", "", "election path")
	f.StringVar(&a.flags.candidateID, "candidate-id", "", "identity of this node in the election")
	f.StringVar(&a.flags.statusAddr, "status-addr", "", "listen address of the status server, empty to disable")
	f.StringVar(&a.flags.jobCommand, "job-command", "", "shell command run by the leader, empty for the built-in probe")
	f.StringVar(&a.flags.jobSchedule, "job-schedule", "", "cron expression or descriptor for the job")
	f.DurationVar(&a.flags.jobInterval, "job-interval", 0, "delay between job runs when no schedule is set")
	f.DurationVar(&a.flags.stopTimeout, "stop-timeout", 0, "how long a graceful stop may take")
	f.IntVar(&a.flags.maxInitAttempts, "max-init-attempts", 0, "give up initializing the path after this many failures, 0 for never")
	f.BoolVar(&a.flags.releaseOnSuspend, "release-on-suspend", false, "step down as soon as the session is suspended")
	f.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newRunCmd(a), newEnsurePathCmd(a), newLeaderCmd(a))
	return root, a
}

// load layers flags over the config file and environment, then validates.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = a.flags.backend
	}
	if flags.Changed("endpoints") {
		cfg.Endpoints = a.flags.endpoints
	}
	if flags.Changed("path") {
		cfg.ElectionPath = a.flags.path
	}
	if flags.Changed("candidate-id") {
		cfg.CandidateID = a.flags.candidateID
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = a.flags.statusAddr
	}
	if flags.Changed("job-command") {
		cfg.Job.Command = a.flags.jobCommand
	}
	if flags.Changed("job-schedule") {
		cfg.Job.Schedule = a.flags.jobSchedule
	}
	if flags.Changed("job-interval") {
		cfg.Job.Interval = a.flags.jobInterval
	}
	if flags.Changed("stop-timeout") {
		cfg.Job.StopTimeout = a.flags.stopTimeout
	}
	if flags.Changed("max-init-attempts") {
		cfg.MaxInitAttempts = a.flags.maxInitAttempts
	}
	if flags.Changed("release-on-suspend") {
		cfg.ReleaseOnSuspend = a.flags.releaseOnSuspend
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	a.cfg = cfg
	a.log = log
	return nil
}
