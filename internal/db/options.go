package db

import "github.com/benbjohnson/clock"

// Option configures a reminder store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clock.Clock
}

// WithClock sets the clock a store stamps its own writes with. Share it with
// the scheduler so cancellations and deliveries agree on time.
func WithClock(c clock.Clock) Option {
	return func(o *storeOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
