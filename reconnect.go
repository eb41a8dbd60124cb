package meshcoap

import "time"

// backoff implements exponential backoff with a maximum delay.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

func (b *backoff) next() time.Duration {
	d := min(b.current, b.max)
	b.current = min(b.current*2, b.max)
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

// redial calls dial until it succeeds, sleeping between attempts. It gives up and
// returns false once done is closed.
func redial(done <-chan struct{}, b *backoff, dial func() error, onError func(error)) bool {
	for {
		err := dial()
		if err == nil {
			b.reset()
			return true
		}
		if onError != nil {
			onError(err)
		}

		timer := time.NewTimer(b.next())
		select {
		case <-done:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
