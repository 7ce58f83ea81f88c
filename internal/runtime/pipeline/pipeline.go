// Package pipeline composes per-type processing stages into an Invoker.
//
// A pipeline is built once per message type and direction. Stages that are
// disabled at build time are never inserted, so a run only pays for the
// stages that are switched on.
package pipeline

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
)

// Direction tells whether a pipeline handles outgoing or incoming messages.
type Direction int

const (
	Publish Direction = iota
	Consume
)

func (d Direction) String() string {
	switch d {
	case Publish:
		return "publish"
	case Consume:
		return "consume"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mode selects how stages are chained.
type Mode int

const (
	// Nested hands every stage the rest of the chain as its continuation, so
	// a stage can act before and after downstream stages, retry them or skip
	// them.
	Nested Mode = iota

	// Sequential runs stages one after another with a no-op continuation.
	// The first error aborts the remaining stages.
	Sequential
)

func (m Mode) String() string {
	if m == Sequential {
		return "sequential"
	}
	return "nested"
}

// Next invokes the remainder of the chain.
type Next func(ctx context.Context) error

// Stage is a single processing step.
type Stage[T any] interface {
	Name() string
	Enabled() bool
	Invoke(ctx context.Context, env *envelope.Envelope[T], next Next) error
}

// StageFunc is the function form of Stage.Invoke.
type StageFunc[T any] func(ctx context.Context, env *envelope.Envelope[T], next Next) error

type funcStage[T any] struct {
	name    string
	enabled bool
	fn      StageFunc[T]
}

// NewStage wraps fn as a Stage.
func NewStage[T any](name string, enabled bool, fn StageFunc[T]) Stage[T] {
	return &funcStage[T]{name: name, enabled: enabled, fn: fn}
}

func (s *funcStage[T]) Name() string  { return s.name }
func (s *funcStage[T]) Enabled() bool { return s.enabled }

func (s *funcStage[T]) Invoke(ctx context.Context, env *envelope.Envelope[T], next Next) error {
	return s.fn(ctx, env, next)
}

func noop(context.Context) error { return nil }

// Invoker executes an ordered set of stages for one message type and
// direction. It is immutable after construction and safe for concurrent use.
type Invoker[T any] struct {
	typeName  string
	direction Direction
	mode      Mode
	stages    []Stage[T]
}

// NewInvoker builds an Invoker. Nil and disabled stages are filtered out.
func NewInvoker[T any](typeName string, direction Direction, mode Mode, stages ...Stage[T]) *Invoker[T] {
	active := make([]Stage[T], 0, len(stages))
	for _, s := range stages {
		if s == nil || !s.Enabled() {
			continue
		}
		active = append(active, s)
	}
	return &Invoker[T]{
		typeName:  typeName,
		direction: direction,
		mode:      mode,
		stages:    active,
	}
}

func (i *Invoker[T]) TypeName() string     { return i.typeName }
func (i *Invoker[T]) Direction() Direction { return i.direction }
func (i *Invoker[T]) Mode() Mode           { return i.mode }

// Stages lists the names of the active stages in execution order.
func (i *Invoker[T]) Stages() []string {
	names := make([]string, len(i.stages))
	for idx, s := range i.stages {
		names[idx] = s.Name()
	}
	return names
}

// Has reports whether a stage with the given name is active.
func (i *Invoker[T]) Has(name string) bool {
	for _, s := range i.stages {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// Without returns a copy of the invoker minus the named stages.
func (i *Invoker[T]) Without(names ...string) *Invoker[T] {
	skip := make(map[string]struct{}, len(names))
	for _, n := range names {
		skip[n] = struct{}{}
	}
	kept := make([]Stage[T], 0, len(i.stages))
	for _, s := range i.stages {
		if _, ok := skip[s.Name()]; ok {
			continue
		}
		kept = append(kept, s)
	}
	return &Invoker[T]{typeName: i.typeName, direction: i.direction, mode: i.mode, stages: kept}
}

// Invoke runs env through the pipeline.
func (i *Invoker[T]) Invoke(ctx context.Context, env *envelope.Envelope[T]) error {
	if i.mode == Sequential {
		return i.invokeSequential(ctx, env)
	}
	return i.invokeNested(ctx, env, 0)
}

func (i *Invoker[T]) invokeSequential(ctx context.Context, env *envelope.Envelope[T]) error {
	for _, s := range i.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Invoke(ctx, env, noop); err != nil {
			return fmt.Errorf("%s stage %s: %w", i.direction, s.Name(), err)
		}
	}
	return nil
}

func (i *Invoker[T]) invokeNested(ctx context.Context, env *envelope.Envelope[T], idx int) error {
	if idx >= len(i.stages) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.stages[idx].Invoke(ctx, env, func(next context.Context) error {
		return i.invokeNested(next, env, idx+1)
	})
}
