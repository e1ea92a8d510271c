package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ComputeFailure records a failed sub-source of an aggregate computation.
type ComputeFailure struct {
	Source string
	Err    error
}

func (f *ComputeFailure) Error() string {
	return fmt.Sprintf("source %s: %v", f.Source, f.Err)
}

func (f *ComputeFailure) Unwrap() error { return f.Err }

// AggregateComputeFailure is returned when every sub-source failed.
type AggregateComputeFailure struct {
	Failures []*ComputeFailure
}

func (a *AggregateComputeFailure) Error() string {
	parts := make([]string, len(a.Failures))
	for i, f := range a.Failures {
		parts[i] = f.Error()
	}
	return "all aggregate sources failed: " + strings.Join(parts, "; ")
}

func (a *AggregateComputeFailure) Unwrap() []error {
	errs := make([]error, len(a.Failures))
	for i, f := range a.Failures {
		errs[i] = f
	}
	return errs
}

// Result is the outcome of one sub-source read.
type Result[T any] struct {
	Source string
	Value  T
	Err    error
}

// Try runs fn, converting a panic into an error.
func Try[T any](ctx context.Context, source string, fn func(context.Context) (T, error)) (r Result[T]) {
	r.Source = source
	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("panic: %v", p)
		}
	}()
	r.Value, r.Err = fn(ctx)
	return r
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Or returns the value, or def when the read failed.
func (r Result[T]) Or(def T) T {
	if r.Err != nil {
		return def
	}
	return r.Value
}

// Failure returns the failure for logging, or nil.
func (r Result[T]) Failure() *ComputeFailure {
	if r.Err == nil {
		return nil
	}
	return &ComputeFailure{Source: r.Source, Err: r.Err}
}

// SourceFunc is a named sub-read bound to its destination.
type SourceFunc struct {
	name string
	run  func(context.Context) *ComputeFailure
}

func (s SourceFunc) Name() string { return s.name }

// Source binds fn to dst. When fn fails, dst receives def.
func Source[T any](name string, dst *T, def T, fn func(context.Context) (T, error)) SourceFunc {
	return SourceFunc{
		name: name,
		run: func(ctx context.Context) *ComputeFailure {
			r := Try(ctx, name, fn)
			*dst = r.Or(def)
			return r.Failure()
		},
	}
}

// Gather runs sources concurrently. Failed sources fall back to their
// defaults and are returned for reporting. If every source failed, err is an
// *AggregateComputeFailure.
func Gather(ctx context.Context, logger log.FieldLogger, sources ...SourceFunc) (failures []*ComputeFailure, err error) {
	if len(sources) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, src := range sources {
		g.Go(func() error {
			if f := src.run(ctx); f != nil {
				sourceFailuresTotal.WithLabelValues(f.Source).Inc()
				logger.WithError(f.Err).WithField("source", f.Source).Warn("aggregate source failed, using default")
				mu.Lock()
				failures = append(failures, f)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == len(sources) {
		return failures, &AggregateComputeFailure{Failures: failures}
	}
	return failures, nil
}

// IsAggregateFailure reports whether err is an AggregateComputeFailure.
func IsAggregateFailure(err error) bool {
	var agg *AggregateComputeFailure
	return errors.As(err, &agg)
}
