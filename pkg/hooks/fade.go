package hooks

import (
	"context"
	"time"

	"switchyard/pkg/logx"
	"switchyard/pkg/progress"
)

// DefaultFadeDuration is used when Env.FadeDuration is not set.
const DefaultFadeDuration = time.Second

// Fade shows a full-screen surface that fades in before unloading and out
// after the new workspace is active, with a progress bar and label.
// Input and audio stay suppressed while the surface is up.
type Fade struct {
	Base
	surface  Surface
	logger   *logx.Logger
	duration time.Duration
	fill     FillMode
}

// NewFade builds a Fade from env.
func NewFade(env Env) *Fade {
	env = env.withDefaults()
	duration := env.FadeDuration
	if duration <= 0 {
		duration = DefaultFadeDuration
	}
	return &Fade{
		Base:     Base{Frames: env.Frames},
		surface:  env.Surface,
		logger:   env.Logger,
		duration: duration,
		fill:     env.Fill,
	}
}

// OnInitialize hides the surface and suppresses input and audio.
func (f *Fade) OnInitialize() {
	f.surface.SetAlpha(0)
	f.suppress()
}

// DoIntro fades the surface in. Cancellation aborts with the context error.
func (f *Fade) DoIntro(ctx context.Context) error {
	fade := 0.0
	for fade <= 1 {
		f.surface.SetAlpha(fade)
		if err := f.yield(ctx); err != nil {
			return err
		}
		fade += f.step()
	}
	f.surface.SetAlpha(1)
	return nil
}

// DoOutro fades the surface out. Cancellation stops the fade early but is
// not reported, so teardown proceeds normally.
func (f *Fade) DoOutro(ctx context.Context) error {
	f.suppress()

	fade := 1.0
	for fade >= 0 {
		f.surface.SetAlpha(fade)
		if err := f.yield(ctx); err != nil {
			f.logger.Debug("Outro cut short at alpha %.2f", fade)
			return nil
		}
		fade -= f.step()
	}
	f.surface.SetAlpha(0)
	return nil
}

// OnDeinitialize hides the surface and hands input and audio back.
func (f *Fade) OnDeinitialize() {
	f.surface.SetAlpha(0)
	f.surface.SetInputEnabled(true)
	f.surface.SetAudioEnabled(true)
}

// OnProgress updates the bar and its label.
func (f *Fade) OnProgress(a *progress.Aggregator) {
	p := a.Progress()
	switch f.fill {
	case FillImage:
		f.surface.SetBarFill(p)
	default:
		f.surface.SetBarScale(p)
	}
	f.surface.SetLabel(FormatProgress(p, a.Index(), a.Total()))
}

func (f *Fade) suppress() {
	f.surface.SetInputEnabled(false)
	f.surface.SetAudioEnabled(false)
}

// step converts the delta of the frame just resumed into alpha units.
func (f *Fade) step() float64 {
	if f.Frames == nil {
		return 1
	}
	return float64(f.Frames.Delta()) / float64(f.duration)
}
