package transition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"switchyard/pkg/content"
	"switchyard/pkg/frame"
	"switchyard/pkg/hooks"
	"switchyard/pkg/progress"
	"switchyard/pkg/workspace"
)

// journal is an ordered log shared by the fakes below.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.list() {
		if e == entry {
			n++
		}
	}
	return n
}

// fakeOp advances by step on every frame after it was started.
type fakeOp struct {
	frames    *frame.Loop
	journal   *journal
	name      string
	start     uint64
	step      float64
	held      bool
	activated bool
	failAfter uint64
	failErr   error
}

func (o *fakeOp) raw() float64 {
	p := float64(o.frames.Frame()-o.start) * o.step
	if p > 1 {
		return 1
	}
	return p
}

func (o *fakeOp) Progress() float64 {
	p := o.raw()
	if o.held && !o.activated && p > content.HeldProgress {
		return content.HeldProgress
	}
	return p
}

func (o *fakeOp) Activate() error {
	if !o.held {
		return content.ErrActivationNotHeld
	}
	o.activated = true
	o.journal.add("activate:%s", o.name)
	return nil
}

func (o *fakeOp) Done() bool {
	return o.raw() >= 1 && (!o.held || o.activated)
}

func (o *fakeOp) Err() error {
	if o.failAfter > 0 && o.frames.Frame()-o.start >= o.failAfter {
		return o.failErr
	}
	return nil
}

// fakeLoader hands out fakeOps and records every call.
type fakeLoader struct {
	frames  *frame.Loop
	journal *journal
	step    float64

	loadFailAfter uint64
	loadErr       error
	unloadErr     error
}

func (l *fakeLoader) BeginUnload(_ context.Context, d workspace.Descriptor) (content.Operation, error) {
	l.journal.add("unload:%s", d.Name)
	if l.unloadErr != nil {
		return nil, l.unloadErr
	}
	return &fakeOp{frames: l.frames, journal: l.journal, name: d.Name, start: l.frames.Frame(), step: l.step}, nil
}

func (l *fakeLoader) BeginLoad(_ context.Context, d workspace.Descriptor, activateImmediately bool) (content.Operation, error) {
	l.journal.add("load:%s", d.Name)
	return &fakeOp{
		frames:    l.frames,
		journal:   l.journal,
		name:      d.Name,
		start:     l.frames.Frame(),
		step:      l.step,
		held:      !activateImmediately,
		failAfter: l.loadFailAfter,
		failErr:   l.loadErr,
	}, nil
}

// recordingHooks logs every callback and optionally panics in one of them.
type recordingHooks struct {
	*hooks.Base
	journal *journal
	orch    **Orchestrator
	panicAt string
	aggs    []*progress.Aggregator
}

func (h *recordingHooks) note(name string) {
	h.journal.add("%s", name)
	if h.panicAt == name {
		panic("boom in " + name)
	}
}

func (h *recordingHooks) currentName() string {
	if h.orch == nil || *h.orch == nil {
		return ""
	}
	d, _ := (*h.orch).Current()
	return d.Name
}

func (h *recordingHooks) OnInitialize() { h.note("init") }

func (h *recordingHooks) DoIntro(ctx context.Context) error {
	h.note("intro")
	return h.Base.DoIntro(ctx)
}

func (h *recordingHooks) PreUnload(ctx context.Context, p *progress.Handle) error {
	h.note("pre-unload")
	return h.Base.PreUnload(ctx, p)
}

func (h *recordingHooks) PostUnload(ctx context.Context, p *progress.Handle) error {
	h.note("post-unload")
	h.journal.add("current-at-post-unload:%s", h.currentName())
	return h.Base.PostUnload(ctx, p)
}

func (h *recordingHooks) PreLoad(ctx context.Context, p *progress.Handle) error {
	h.note("pre-load")
	h.journal.add("current-at-pre-load:%s", h.currentName())
	p.SetMessage("warming caches")
	return h.Base.PreLoad(ctx, p)
}

func (h *recordingHooks) PostLoad(ctx context.Context, p *progress.Handle) error {
	h.note("post-load")
	return h.Base.PostLoad(ctx, p)
}

func (h *recordingHooks) DoOutro(ctx context.Context) error {
	h.note("outro")
	return h.Base.DoOutro(ctx)
}

func (h *recordingHooks) OnDeinitialize() { h.note("deinit") }

func (h *recordingHooks) OnProgress(a *progress.Aggregator) {
	if len(h.aggs) == 0 || h.aggs[len(h.aggs)-1] != a {
		h.aggs = append(h.aggs, a)
	}
}

// countingRecorder implements metrics.Recorder for assertions.
type countingRecorder struct {
	mu       sync.Mutex
	started  int
	rejected int
	outcomes map[string]int
	stages   map[string]int
	inFlight bool
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, stages: map[string]int{}}
}

func (r *countingRecorder) TransitionStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) TransitionRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *countingRecorder) TransitionFinished(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *countingRecorder) SetInFlight(inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = inFlight
}

// spanRecorder wraps a noop tracer and keeps the errors recorded per span name.
type spanRecorder struct {
	trace.Tracer
	mu   sync.Mutex
	errs map[string][]error
}

func newSpanRecorder() *spanRecorder {
	return &spanRecorder{Tracer: noop.NewTracerProvider().Tracer("test"), errs: map[string][]error{}}
}

func (r *spanRecorder) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := r.Tracer.Start(ctx, name, opts...)
	return ctx, &recordedSpan{Span: span, name: name, rec: r}
}

func (r *spanRecorder) errors(name string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs[name]...)
}

type recordedSpan struct {
	trace.Span
	name string
	rec  *spanRecorder
}

func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.errs[s.name] = append(s.rec.errs[s.name], err)
}
