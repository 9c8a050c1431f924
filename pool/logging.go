package pool

import "github.com/sirupsen/logrus"

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger overrides the logrus entry the allocator logs diagnostics
// through. Defaults to logrus.StandardLogger().
func WithLogger(log *logrus.Logger) Option {
	return func(a *Allocator) {
		a.log = log.WithField("component", "pool")
	}
}

func defaultLogEntry() *logrus.Entry {
	return logrus.StandardLogger().WithField("component", "pool")
}
