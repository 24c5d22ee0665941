package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Housekeeper is the queue upkeep the maintainer schedules.
type Housekeeper interface {
	PromoteDue(ctx context.Context) (int, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

const (
	DefaultPromoteSpec = "@every 5s"
	DefaultReclaimSpec = "@every 1m"
)

// Maintainer moves due retries back to the ready list and recovers jobs
// whose lease expired.
type Maintainer struct {
	cron        *cron.Cron
	queue       Housekeeper
	log         zerolog.Logger
	promoteSpec string
	reclaimSpec string
}

func NewMaintainer(q Housekeeper, log zerolog.Logger) *Maintainer {
	cl := cronLogger{log: log}
	return &Maintainer{
		cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		queue:       q,
		log:         log,
		promoteSpec: DefaultPromoteSpec,
		reclaimSpec: DefaultReclaimSpec,
	}
}

// Start registers both jobs and starts the scheduler. One pass of each
// runs immediately so work left by a previous process is picked up.
func (m *Maintainer) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.promoteSpec, func() { m.Promote(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc promote: %w", err)
	}
	if _, err := m.cron.AddFunc(m.reclaimSpec, func() { m.Reclaim(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc reclaim: %w", err)
	}
	m.cron.Start()
	m.log.Info().Str("promote", m.promoteSpec).Str("reclaim", m.reclaimSpec).Msg("queue maintenance started")

	go func() {
		m.Reclaim(ctx)
		m.Promote(ctx)
	}()
	return nil
}

// Stop waits for running jobs to finish.
func (m *Maintainer) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info().Msg("queue maintenance stopped")
}

func (m *Maintainer) Promote(ctx context.Context) {
	n, err := m.queue.PromoteDue(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("promote delayed jobs")
		return
	}
	if n > 0 {
		m.log.Debug().Int("count", n).Msg("promoted delayed jobs")
	}
}

func (m *Maintainer) Reclaim(ctx context.Context) {
	n, err := m.queue.ReclaimExpired(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("reclaim expired leases")
		return
	}
	if n > 0 {
		m.log.Warn().Int("count", n).Msg("reclaimed jobs with expired leases")
	}
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
