package pipeline

import "context"

// saga collects compensations for steps that already succeeded. On failure
// they run newest first. Every compensation must be idempotent.
type saga struct {
	compensations []func(context.Context)
}

func (s *saga) onFailure(fn func(context.Context)) {
	s.compensations = append(s.compensations, fn)
}

func (s *saga) compensate(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.compensations) - 1; i >= 0; i-- {
		s.compensations[i](ctx)
	}
	s.compensations = nil
}
