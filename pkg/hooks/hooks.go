// Package hooks defines the presentation callbacks invoked around each stage
// of a workspace transition, plus the built-in variants.
package hooks

import (
	"context"
	"time"

	"switchyard/pkg/frame"
	"switchyard/pkg/logx"
	"switchyard/pkg/progress"
)

// Hooks is implemented by every presentation variant. The orchestrator calls
// the methods in a fixed order per transition:
//
//	OnInitialize, DoIntro,
//	PreUnload, <unload>, PostUnload,
//	PreLoad, <load>, PostLoad, <activate>,
//	DoOutro, OnDeinitialize
//
// OnProgress may be called at any point between OnInitialize and
// OnDeinitialize. OnDeinitialize runs exactly once whenever OnInitialize ran,
// including after cancellation or failure.
type Hooks interface {
	OnInitialize()
	DoIntro(ctx context.Context) error
	PreUnload(ctx context.Context, h *progress.Handle) error
	PostUnload(ctx context.Context, h *progress.Handle) error
	PreLoad(ctx context.Context, h *progress.Handle) error
	// PostLoad runs before the loaded content is activated.
	PostLoad(ctx context.Context, h *progress.Handle) error
	DoOutro(ctx context.Context) error
	OnDeinitialize()
	OnProgress(a *progress.Aggregator)
}

// Env carries what a variant needs from its host.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type Env struct {
	Frames       *frame.Loop
	Surface      Surface
	Logger       *logx.Logger
	FadeDuration time.Duration
	Fill         FillMode
}

func (e Env) withDefaults() Env {
	if e.Surface == nil {
		e.Surface = NopSurface{}
	}
	if e.Logger == nil {
		e.Logger = logx.NewLogger("hooks")
	}
	if e.Fill == "" {
		e.Fill = FillScale
	}
	return e
}

// Base is the default variant. Every suspending callback yields exactly once
// so callers can rely on one suspension point per stage.
type Base struct {
	Frames *frame.Loop
}

// NewBase returns a Base bound to loop.
func NewBase(loop *frame.Loop) *Base {
	return &Base{Frames: loop}
}

// OnInitialize implements Hooks.
func (b *Base) OnInitialize() {}

// DoIntro implements Hooks.
func (b *Base) DoIntro(ctx context.Context) error {
	return b.yield(ctx)
}

// PreUnload implements Hooks.
func (b *Base) PreUnload(ctx context.Context, _ *progress.Handle) error {
	return b.yield(ctx)
}

// PostUnload implements Hooks.
func (b *Base) PostUnload(ctx context.Context, _ *progress.Handle) error {
	return b.yield(ctx)
}

// PreLoad implements Hooks.
func (b *Base) PreLoad(ctx context.Context, _ *progress.Handle) error {
	return b.yield(ctx)
}

// PostLoad implements Hooks.
func (b *Base) PostLoad(ctx context.Context, _ *progress.Handle) error {
	return b.yield(ctx)
}

// DoOutro implements Hooks.
func (b *Base) DoOutro(ctx context.Context) error {
	return b.yield(ctx)
}

// OnDeinitialize implements Hooks.
func (b *Base) OnDeinitialize() {}

// OnProgress implements Hooks.
func (b *Base) OnProgress(*progress.Aggregator) {}

func (b *Base) yield(ctx context.Context) error {
	if b.Frames == nil {
		return ctx.Err()
	}
	return b.Frames.Yield(ctx)
}
