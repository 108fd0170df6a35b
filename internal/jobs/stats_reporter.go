package jobs

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/utils"
)

// StatsSource is the in-memory view being reported.
type StatsSource interface {
	Stats() models.Stats
}

// StatsReporter periodically resyncs the live gauges and logs a summary line.
type StatsReporter struct {
	source   StatsSource
	schedule string
	log      *utils.Logger
	cron     *cron.Cron
}

func NewStatsReporter(source StatsSource, schedule string, log *utils.Logger) *StatsReporter {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &StatsReporter{
		source:   source,
		schedule: schedule,
		log:      log,
		cron:     cron.New(),
	}
}

// Start schedules the reporter. An empty schedule disables it.
func (sr *StatsReporter) Start() error {
	if sr.schedule == "" {
		sr.log.Info("stats reporter disabled")
		return nil
	}
	if _, err := sr.cron.AddFunc(sr.schedule, func() { sr.RunOnce() }); err != nil {
		return fmt.Errorf("failed to schedule stats reporter: %w", err)
	}
	sr.cron.Start()
	sr.log.Info("stats reporter started", "schedule", sr.schedule)
	return nil
}

// Stop waits for a running report to finish.
func (sr *StatsReporter) Stop() {
	<-sr.cron.Stop().Done()
}

func (sr *StatsReporter) RunOnce() models.Stats {
	stats := sr.source.Stats()

	participants, operations := 0, 0
	for _, s := range stats.Sessions {
		participants += len(s.Participants)
		operations += s.Operations
	}
	metrics.ActiveConnections.Set(float64(stats.Connections))
	metrics.ActiveSessions.Set(float64(len(stats.Sessions)))

	sr.log.Info("realtime stats",
		"connections", stats.Connections,
		"sessions", len(stats.Sessions),
		"participants", participants,
		"operations", operations,
	)
	return stats
}
