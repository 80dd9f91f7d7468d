package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "soloist/configs"
	"soloist/pkg/coordination"
	"soloist/pkg/coordination/etcd"
	"soloist/pkg/coordination/memory"
	coordredis "soloist/pkg/coordination/redis"
	"soloist/pkg/coordination/zookeeper"
	tracing "soloist/pkg/observability"
	"soloist/pkg/supervisor"
	"soloist/pkg/worker"
	"soloist/pkg/worker/runner"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Campaign for leadership and run the job while leading (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSupervisor(cmd.Context())
		},
	}
}

func (a *app) runSupervisor(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	log.Info("Starting soloist",
		zap.String("version", version),
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.String("path", cfg.ElectionPath),
		zap.String("candidate", cfg.CandidateID))

	cfg.Tracing.ServiceVersion = version
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	lifecycle, err := newLifecycle(cfg, log)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		Endpoints:         cfg.Endpoints,
		Path:              cfg.ElectionPath,
		CandidateID:       cfg.CandidateID,
		RetryInterval:     cfg.RetryInterval,
		InitRetryInterval: cfg.InitRetryInterval,
		MaxInitAttempts:   cfg.MaxInitAttempts,
		StopTimeout:       cfg.Job.StopTimeout,
		ReleaseOnSuspend:  cfg.ReleaseOnSuspend,
		StatusAddr:        cfg.StatusAddr,
	}, newDialer(cfg, log), lifecycle,
		supervisor.WithLogger(log),
		supervisor.WithTracer(tp.Tracer()))
	if err != nil {
		return err
	}

	if err := sup.Run(ctx); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func newLifecycle(cfg *config.Config, log *zap.Logger) (*worker.Lifecycle, error) {
	schedule, err := worker.ParseSchedule(cfg.Job.Interval, cfg.Job.Schedule)
	if err != nil {
		return nil, err
	}

	var job worker.Job
	if cfg.Job.Command != "" {
		job = runner.NewShellJob(runner.NewShellRunner(), cfg.Job.Command, log.Named("job"))
	} else {
		job = runner.NewProbeJob(cfg.CandidateID, log.Named("job"))
	}
	return worker.NewLifecycle(job, schedule, log.Named("worker")), nil
}

func newDialer(cfg *config.Config, log *zap.Logger) coordination.Dialer {
	switch cfg.Backend {
	case config.BackendEtcd:
		return etcd.NewDialer(cfg.SessionTimeout, log.Named("etcd"))
	case config.BackendRedis:
		return coordredis.NewDialer(coordredis.Options{
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			LeaseTTL: cfg.Redis.LeaseTTL,
			Logger:   log.Named("redis"),
		})
	case config.BackendMemory:
		return memory.NewService()
	default:
		return zookeeper.NewDialer(cfg.SessionTimeout, log.Named("zookeeper"))
	}
}

// connect opens a session for the one-shot commands.
func (a *app) connect(ctx context.Context) (*coordination.Session, error) {
	connector := coordination.NewConnector(newDialer(a.cfg, a.log), a.cfg.Endpoints, a.cfg.RetryInterval, a.log)
	sess, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.cfg.Backend, err)
	}
	return sess, nil
}
