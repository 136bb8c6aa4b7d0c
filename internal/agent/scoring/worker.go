package scoring

import (
	"context"
	"time"

	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/observability/metrics"
)

// Store is the lead persistence the worker needs, satisfied by
// repo.RedisLeadStore.
type Store interface {
	UnscoredLeads(ctx context.Context) ([]model.Lead, error)
	SaveScore(ctx context.Context, score model.LeadScore) error
}

// Notification is emitted when a lead's score clears the threshold. The turn
// controller drains these so the assistant can mention the qualification on
// the lead's next turn.
type Notification struct {
	Lead  model.Lead
	Score model.LeadScore
}

// Worker scores unscored leads on an interval.
type Worker struct {
	store     Store
	interval  time.Duration
	threshold int
	metrics   *metrics.OrchestratorMetrics
	notify    chan Notification
	now       func() time.Time
}

func NewWorker(store Store, interval time.Duration, threshold int, m *metrics.OrchestratorMetrics) *Worker {
	return &Worker{
		store:     store,
		interval:  interval,
		threshold: threshold,
		metrics:   m,
		notify:    make(chan Notification, 64),
		now:       time.Now,
	}
}

// Notifications returns the qualification event channel.
func (w *Worker) Notifications() <-chan Notification {
	return w.notify
}

// Run ticks until ctx is cancelled. An external scheduler invoking RunOnce
// directly works the same way; the ticker is just the in-process default.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logx.Info().Msg("scoring worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				logx.Error().Err(err).Msg("scoring pass failed")
			}
		}
	}
}

// RunOnce scores every currently-unscored lead. Failures on individual leads
// are logged and skipped so one bad record cannot stall the rest.
func (w *Worker) RunOnce(ctx context.Context) error {
	leads, err := w.store.UnscoredLeads(ctx)
	if err != nil {
		return err
	}

	for _, lead := range leads {
		score, reasons := Score(lead, w.now())
		row := model.LeadScore{
			LeadID:    lead.ID,
			Score:     score,
			Reasons:   reasons,
			CreatedAt: w.now().UTC(),
		}
		if err := w.store.SaveScore(ctx, row); err != nil {
			logx.Error().Err(err).Str("lead_id", lead.ID).Msg("failed to persist lead score")
			continue
		}

		qualified := score >= w.threshold
		w.metrics.ObserveLeadScored(qualified)
		logx.Debug().
			Str("lead_id", lead.ID).
			Int("score", score).
			Bool("qualified", qualified).
			Msg("lead scored")

		if qualified {
			select {
			case w.notify <- Notification{Lead: lead, Score: row}:
			default:
				logx.Warn().Str("lead_id", lead.ID).Msg("notification buffer full, dropping qualification event")
			}
		}
	}
	return nil
}
