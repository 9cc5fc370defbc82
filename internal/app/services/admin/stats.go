// Package admin reports operator statistics.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// Counter counts records by status. An empty userID counts every user.
type Counter interface {
	CountEvidenceByStatus(ctx context.Context, userID string) (map[evidence.Status]int, error)
}

// HostSampler reads host metrics.
type HostSampler interface {
	Host(ctx context.Context) (HostStats, error)
}

// HostStats are best-effort host metrics.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Stats is the admin overview.
type Stats struct {
	Total         int                     `json:"total"`
	ByStatus      map[evidence.Status]int `json:"by_status"`
	Host          *HostStats              `json:"host,omitempty"`
	ServiceUptime string                  `json:"service_uptime"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

// Service builds Stats.
type Service struct {
	counter Counter
	sampler HostSampler
	started time.Time
	log     *logger.Logger
}

// New creates the stats service. A nil sampler reads the local host.
func New(counter Counter, sampler HostSampler, log *logger.Logger) *Service {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if log == nil {
		log = logger.NewDefault("admin")
	}
	return &Service{counter: counter, sampler: sampler, started: time.Now(), log: log}
}

// Stats counts records and samples the host. Host failures are logged and
// leave Host empty.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.counter.CountEvidenceByStatus(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("count evidence: %w", err)
	}
	out := Stats{
		ByStatus:      make(map[evidence.Status]int, 4),
		ServiceUptime: time.Since(s.started).Round(time.Second).String(),
		GeneratedAt:   time.Now().UTC(),
	}
	for _, st := range []evidence.Status{evidence.StatusPending, evidence.StatusProcessing, evidence.StatusVerified, evidence.StatusFailed} {
		out.ByStatus[st] = counts[st]
	}
	for _, n := range counts {
		out.Total += n
	}

	h, err := s.sampler.Host(ctx)
	if err != nil {
		s.log.WithError(err).Warn("read host stats")
		return out, nil
	}
	out.Host = &h
	return out, nil
}

// SystemSampler reads the local host with gopsutil.
type SystemSampler struct{}

func (SystemSampler) Host(ctx context.Context) (HostStats, error) {
	var out HostStats
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("memory: %w", err)
	}
	out.MemoryPercent = vm.UsedPercent
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("uptime: %w", err)
	}
	out.UptimeSeconds = uptime
	return out, nil
}
