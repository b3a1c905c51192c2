package scheduler

import (
	"context"
	"fmt"
)

type domainKey struct{}

// Current returns the scheduler whose task ctx belongs to, or nil.
func Current(ctx context.Context) *Scheduler {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(domainKey{}).(*Scheduler)
	return s
}

// InDomain reports whether ctx is that of a task running on s.
func InDomain(ctx context.Context, s *Scheduler) bool {
	return s != nil && Current(ctx) == s
}

// Assert returns [ErrWrongDomain] if domain checks are enabled, and ctx is
// not that of a task running on the scheduler.
func (x *Scheduler) Assert(ctx context.Context) error {
	if !x.domainChecks || InDomain(ctx, x) {
		return nil
	}
	if other := Current(ctx); other != nil {
		return fmt.Errorf(`%w: %q, in %q`, ErrWrongDomain, x.name, other.name)
	}
	return fmt.Errorf(`%w: %q`, ErrWrongDomain, x.name)
}
