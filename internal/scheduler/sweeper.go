package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/robfig/cron/v3"
)

type Attributor interface {
	Attribute(ctx context.Context, p *models.Payment, anchor time.Time) (*models.Payment, error)
}

type CandidateSource interface {
	SweepCandidates(ctx context.Context, limit int, retryFailedBefore time.Time) ([]models.Payment, error)
}

// Summary counts the outcome of one sweep.
type Summary struct {
	Scanned     int
	Matched     int
	NeedsReview int
	Unmatched   int
	Failed      int
}

// Sweeper retries attribution for payments still waiting on a match, for
// example when the family's enrollments were created after the payment arrived.
// Failed runs are retried after retryAfter.
type Sweeper struct {
	engine    Attributor
	source    CandidateSource
	batchSize  int
	retryAfter time.Duration
	timeout    time.Duration
	now       func() time.Time
}

func NewSweeper(engine Attributor, source CandidateSource, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		engine:     engine,
		source:     source,
		batchSize:  batchSize,
		retryAfter: 30 * time.Minute,
		timeout:    4 * time.Minute,
		now:        time.Now,
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	anchor := s.now()
	payments, err := s.source.SweepCandidates(ctx, s.batchSize, anchor.Add(-s.retryAfter))
	if err != nil {
		return sum, err
	}
	for i := range payments {
		sum.Scanned++
		p, err := s.engine.Attribute(ctx, &payments[i], anchor)
		if err != nil {
			sum.Failed++
			log.Printf("[SWEEP] payment=%s: %v", payments[i].ID, err)
			continue
		}
		switch p.AttributionStatus {
		case models.AttributionAutoMatched:
			sum.Matched++
		case models.AttributionNeedsReview:
			sum.NeedsReview++
		default:
			sum.Unmatched++
		}
	}
	return sum, nil
}

// Start schedules RunOnce on a cron schedule such as "@every 5m". Overlapping runs are skipped.
func (s *Sweeper) Start(schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		sum, err := s.RunOnce(ctx)
		if err != nil {
			log.Printf("[SWEEP] error: %v", err)
			return
		}
		if sum.Scanned > 0 {
			log.Printf("[SWEEP] scanned=%d matched=%d review=%d unmatched=%d failed=%d",
				sum.Scanned, sum.Matched, sum.NeedsReview, sum.Unmatched, sum.Failed)
		}
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[SWEEP] started schedule=%q batch=%d", schedule, s.batchSize)
	c.Start()
	return c, nil
}
