package meshcoap

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is the send interval used when none is configured.
const DefaultInterval = 5 * time.Second

// Trigger fires fn once per interval until its context is cancelled.
type Trigger struct {
	clock    clock.Clock
	interval time.Duration
	fire     func()
}

func NewTrigger(c clock.Clock, interval time.Duration, fire func()) *Trigger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Trigger{clock: c, interval: interval, fire: fire}
}

// Run blocks until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire()
		}
	}
}
