package carrier

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAlertInterval is how often the attention signal repeats.
const DefaultAlertInterval = 30 * time.Second

// Notify is called with the packets that still need attention.
type Notify func(pending []Record)

// Alerter repeats an attention signal while unacknowledged CRITICAL
// packets are waiting.
type Alerter struct {
	store    *Store
	interval time.Duration
	notify   Notify
	logger   zerolog.Logger
}

// NewAlerter creates an alerter. A zero interval selects DefaultAlertInterval.
func NewAlerter(s *Store, interval time.Duration, notify Notify, logger zerolog.Logger) *Alerter {
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	return &Alerter{store: s, interval: interval, notify: notify, logger: logger}
}

// Check signals once if anything needs attention and reports whether it did.
func (a *Alerter) Check(ctx context.Context) bool {
	recs, err := a.store.UnacknowledgedCritical(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("carrier alert check failed")
		return false
	}
	if len(recs) == 0 {
		return false
	}
	a.logger.Warn().Int("critical", len(recs)).Msg("critical packets awaiting acknowledgement")
	if a.notify != nil {
		a.notify(recs)
	}
	return true
}

// Run checks immediately and then on every tick until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}
