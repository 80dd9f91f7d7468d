package runner

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"soloist/pkg/logger"
)

// ProbeJob is the default job: it reports that the leader is working,
// together with a snapshot of host resources.
type ProbeJob struct {
	candidate string
	logger    *zap.Logger
}

// NewProbeJob returns a probe job logging on behalf of candidate.
func NewProbeJob(candidate string, log *zap.Logger) *ProbeJob {
	return &ProbeJob{candidate: candidate, logger: logger.OrNop(log)}
}

// Run logs one heartbeat. Resource lookups that fail are skipped.
func (p *ProbeJob) Run(ctx context.Context) error {
	fields := []zap.Field{
		zap.String("candidate", p.candidate),
		zap.Int("cpus", runtime.NumCPU()),
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.logger.Debug("Memory probe failed", zap.Error(err))
	} else {
		fields = append(fields,
			zap.Uint64("mem_total_mb", v.Total/1024/1024),
			zap.Float64("mem_used_percent", v.UsedPercent))
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		p.logger.Debug("Load probe failed", zap.Error(err))
	} else {
		fields = append(fields, zap.Float64("load1", avg.Load1))
	}

	p.logger.Info("Working", fields...)
	return ctx.Err()
}
