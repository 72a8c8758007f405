package transition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/pkg/content"
	"switchyard/pkg/frame"
	"switchyard/pkg/hooks"
	"switchyard/pkg/metrics"
	"switchyard/pkg/workspace"
)

var (
	alpha = workspace.NewDescriptor("levels/alpha.level", "Alpha")
	bravo = workspace.NewDescriptor("levels/bravo.level", "Bravo")
	delta = workspace.NewDescriptor("levels/delta.level", "")
)

type harness struct {
	loop     *frame.Loop
	journal  *journal
	loader   *fakeLoader
	recorder *countingRecorder
	orch     *Orchestrator
	hooks    []*recordingHooks
	panicAt  string

	events   *journal
	progress []ProgressEvent
	ended    []EndedEvent
	aborted  []AbortedEvent
}

func newHarness(t *testing.T, withActive bool) *harness {
	t.Helper()

	catalog, err := workspace.NewCatalog(alpha, bravo, delta)
	require.NoError(t, err)
	if withActive {
		require.NoError(t, catalog.SetActive(alpha.Name))
	}

	h := &harness{
		loop:     frame.NewLoop(),
		journal:  &journal{},
		recorder: newCountingRecorder(),
		events:   &journal{},
	}
	h.loader = &fakeLoader{frames: h.loop, journal: h.journal, step: 0.25}

	h.orch, err = New(Options{
		Registry: catalog,
		Loader:   h.loader,
		Frames:   h.loop,
		Hooks: func(env hooks.Env) (hooks.Hooks, error) {
			rh := &recordingHooks{Base: hooks.NewBase(env.Frames), journal: h.journal, orch: &h.orch, panicAt: h.panicAt}
			h.hooks = append(h.hooks, rh)
			return rh, nil
		},
		Metrics: h.recorder,
	})
	require.NoError(t, err)

	h.orch.OnStarted(func(e StartedEvent) { h.events.add("started:%s", e.Target.Name) })
	h.orch.OnActivated(func(e ActivatedEvent) {
		h.events.add("activated:%s", e.Current.Name)
		h.journal.add("activated:%s", e.Current.Name)
	})
	h.orch.OnProgress(func(e ProgressEvent) { h.progress = append(h.progress, e) })
	h.orch.OnEnded(func(e EndedEvent) {
		h.events.add("ended:%s", e.Current.Name)
		h.ended = append(h.ended, e)
	})
	h.orch.OnAborted(func(e AbortedEvent) {
		h.events.add("aborted:%s", e.Target.Name)
		h.aborted = append(h.aborted, e)
	})
	return h
}

// drive steps frames until the orchestrator is idle.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	for i := 0; h.orch.IsLoading(); i++ {
		require.Less(t, i, 500, "transition did not finish")
		h.loop.Step(16 * time.Millisecond)
	}
}

// stepUntil steps frames until cond holds.
func (h *harness) stepUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; !cond(); i++ {
		require.Less(t, i, 500, "condition never met")
		h.loop.Step(16 * time.Millisecond)
	}
}

func TestTransition_AlphaToBravo(t *testing.T) {
	h := newHarness(t, true)

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	assert.True(t, h.orch.IsLoading())
	next, ok := h.orch.Next()
	require.True(t, ok)
	assert.Equal(t, bravo, next)

	h.drive(t)

	assert.Equal(t, []string{"started:bravo", "activated:bravo", "ended:bravo"}, h.events.list())

	require.NotEmpty(t, h.progress)
	first, last := h.progress[0], h.progress[len(h.progress)-1]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 0.0, first.Progress)
	assert.Equal(t, 5, last.Index)
	assert.Equal(t, 1.0, last.Progress)
	for i := 1; i < len(h.progress); i++ {
		assert.GreaterOrEqual(t, h.progress[i].Index, h.progress[i-1].Index, "index went backwards at event %d", i)
		assert.GreaterOrEqual(t, h.progress[i].Progress, h.progress[i-1].Progress, "progress went backwards at event %d", i)
		assert.Equal(t, StageCount, h.progress[i].Total)
	}
	seen := map[int]bool{}
	for _, e := range h.progress {
		seen[e.Index] = true
	}
	assert.Len(t, seen, StageCount)

	current, ok := h.orch.Current()
	require.True(t, ok)
	assert.Equal(t, bravo, current)
	previous, ok := h.orch.Previous()
	require.True(t, ok)
	assert.Equal(t, alpha, previous)
	assert.False(t, h.orch.IsLoading())
	_, ok = h.orch.Next()
	assert.False(t, ok)
	assert.Equal(t, Idle{Previous: alpha, Current: bravo}, h.orch.Status())

	assert.Equal(t, 1, h.recorder.outcomes[metrics.OutcomeCompleted])
	assert.Equal(t, 1, h.recorder.stages[StageLoadMain.String()])
	assert.False(t, h.recorder.inFlight)
}

func TestTransition_CallbackOrder(t *testing.T) {
	h := newHarness(t, true)

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	assert.Equal(t, []string{
		"init",
		"intro",
		"pre-unload",
		"unload:alpha",
		"post-unload",
		"current-at-post-unload:alpha",
		"activated:bravo",
		"pre-load",
		"current-at-pre-load:bravo",
		"load:bravo",
		"post-load",
		"activate:bravo",
		"outro",
		"deinit",
	}, h.journal.list())
}

func TestTransition_ActivationBoundaryStatus(t *testing.T) {
	h := newHarness(t, true)
	require.True(t, h.orch.RequestTransition(context.Background(), bravo))

	h.stepUntil(t, func() bool {
		s, ok := h.orch.Status().(InFlight)
		return ok && s.Stage == StageUnloadPost
	})
	s := h.orch.Status().(InFlight)
	assert.False(t, s.Activated)
	assert.Equal(t, alpha, s.Current)

	h.stepUntil(t, func() bool {
		s, ok := h.orch.Status().(InFlight)
		return ok && s.Stage == StageLoadPre
	})
	s = h.orch.Status().(InFlight)
	assert.True(t, s.Activated)
	assert.Equal(t, bravo, s.Current)
	assert.Equal(t, bravo, s.Next)
	assert.Equal(t, alpha, s.Previous)

	h.drive(t)
	assert.Equal(t, 1, h.events.count("activated:bravo"))
}

func TestTransition_RejectsWhileInFlight(t *testing.T) {
	h := newHarness(t, true)

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.loop.Step(time.Millisecond)
	before := h.orch.Status()

	assert.False(t, h.orch.RequestTransition(context.Background(), delta))
	accepted, err := h.orch.RequestTransitionByName(context.Background(), "delta")
	require.NoError(t, err)
	assert.False(t, accepted)

	assert.Equal(t, before, h.orch.Status())
	assert.Equal(t, 1, h.events.count("started:bravo"))
	assert.Equal(t, 0, h.events.count("started:delta"))
	assert.Len(t, h.hooks, 1)
	assert.Equal(t, 2, h.recorder.rejected)

	h.drive(t)
	current, _ := h.orch.Current()
	assert.Equal(t, bravo, current)

	// Idle again, so the next request is accepted.
	require.True(t, h.orch.RequestTransition(context.Background(), delta))
	h.drive(t)
	current, _ = h.orch.Current()
	assert.Equal(t, delta, current)
	previous, _ := h.orch.Previous()
	assert.Equal(t, bravo, previous)
}

func TestTransition_CancelDuringLoadMain(t *testing.T) {
	h := newHarness(t, true)
	h.loader.step = 0.2

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.stepUntil(t, func() bool {
		if len(h.progress) == 0 {
			return false
		}
		last := h.progress[len(h.progress)-1]
		return last.Index == 4 && last.Progress >= (4+0.4)/6.0-1e-9
	})

	assert.True(t, h.orch.Cancel())
	h.loop.Step(time.Millisecond)

	assert.False(t, h.orch.IsLoading())
	assert.False(t, h.orch.Cancel())

	entries := h.journal.list()
	assert.NotContains(t, entries, "post-load")
	assert.NotContains(t, entries, "outro")
	assert.NotContains(t, entries, "activate:bravo")
	assert.Equal(t, 1, h.journal.count("deinit"))

	require.Len(t, h.aborted, 1)
	assert.True(t, h.aborted[0].Cancelled)
	assert.Equal(t, StageLoadMain, h.aborted[0].Stage)
	assert.ErrorIs(t, h.aborted[0].Reason, context.Canceled)
	assert.Empty(t, h.ended)

	// Aggregator was disposed and stops publishing.
	require.Len(t, h.hooks, 1)
	require.NotEmpty(t, h.hooks[0].aggs)
	agg := h.hooks[0].aggs[0]
	assert.Equal(t, -1, agg.Index())
	assert.Nil(t, agg.Current())

	// The boundary had already passed.
	current, _ := h.orch.Current()
	assert.Equal(t, bravo, current)
	_, ok := h.orch.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, h.recorder.outcomes[metrics.OutcomeCancelled])
}

func TestTransition_ParentContextCancelDuringIntro(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, h.orch.RequestTransition(ctx, bravo))
	cancel()
	h.drive(t)

	assert.Equal(t, []string{"init", "intro", "deinit"}, h.journal.list())
	require.Len(t, h.aborted, 1)
	assert.Equal(t, StageIntro, h.aborted[0].Stage)

	current, _ := h.orch.Current()
	assert.Equal(t, alpha, current, "no boundary crossed")
	assert.Empty(t, h.progress)
}

func TestTransition_LoadFailure(t *testing.T) {
	h := newHarness(t, true)
	boom := errors.New("archive corrupt")
	h.loader.step = 0.1
	h.loader.loadFailAfter = 2
	h.loader.loadErr = boom

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	require.Len(t, h.aborted, 1)
	assert.False(t, h.aborted[0].Cancelled)
	assert.Equal(t, StageLoadMain, h.aborted[0].Stage)
	assert.ErrorIs(t, h.aborted[0].Reason, boom)
	assert.NotContains(t, h.journal.list(), "post-load")
	assert.Equal(t, 1, h.journal.count("deinit"))
	assert.Equal(t, 1, h.recorder.outcomes[metrics.OutcomeFailed])
}

func TestTransition_UnloadRejected(t *testing.T) {
	h := newHarness(t, true)
	boom := errors.New("unload refused")
	h.loader.unloadErr = boom

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	require.Len(t, h.aborted, 1)
	assert.Equal(t, StageUnloadMain, h.aborted[0].Stage)
	assert.ErrorIs(t, h.aborted[0].Reason, boom)
	assert.NotContains(t, h.journal.list(), "post-unload")

	current, _ := h.orch.Current()
	assert.Equal(t, alpha, current)
}

func TestTransition_NotResidentCurrentIsSkipped(t *testing.T) {
	h := newHarness(t, true)
	h.loader.unloadErr = content.ErrNotResident

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	assert.Empty(t, h.aborted)
	require.Len(t, h.ended, 1)
	assert.Contains(t, h.journal.list(), "post-unload")
	assert.Contains(t, h.journal.list(), "activate:bravo")
	current, _ := h.orch.Current()
	assert.Equal(t, bravo, current)
}

func TestTransition_HookPanicStillTearsDown(t *testing.T) {
	h := newHarness(t, true)
	h.panicAt = "pre-load"

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	require.Len(t, h.aborted, 1)
	assert.ErrorIs(t, h.aborted[0].Reason, ErrHookPanic)
	assert.Equal(t, StageLoadPre, h.aborted[0].Stage)
	assert.Equal(t, 1, h.journal.count("deinit"))
	assert.False(t, h.orch.IsLoading())
}

func TestTransition_InitPanicReleasesFlight(t *testing.T) {
	h := newHarness(t, true)
	h.panicAt = "init"

	accepted, err := h.orch.RequestTransitionByName(context.Background(), bravo.Name)
	require.ErrorIs(t, err, ErrHookPanic)
	assert.False(t, accepted)
	h.loop.Drain(10)

	assert.False(t, h.orch.IsLoading())
	assert.Equal(t, []string{"init", "deinit"}, h.journal.list())
	assert.Empty(t, h.events.list(), "no started event for a rejected request")
	assert.Equal(t, Idle{Current: alpha}, h.orch.Status())
	assert.Equal(t, 0, h.recorder.started)
	assert.False(t, h.recorder.inFlight)

	h.panicAt = ""
	require.True(t, h.orch.RequestTransition(context.Background(), delta))
	h.drive(t)
	require.Len(t, h.ended, 1)
	current, _ := h.orch.Current()
	assert.Equal(t, delta, current)
	previous, _ := h.orch.Previous()
	assert.Equal(t, alpha, previous)
}

func TestTransition_DeinitPanicStillFinishes(t *testing.T) {
	h := newHarness(t, true)
	h.panicAt = "deinit"

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	assert.False(t, h.orch.IsLoading())
	assert.Empty(t, h.ended)
	require.Len(t, h.aborted, 1)
	assert.ErrorIs(t, h.aborted[0].Reason, ErrHookPanic)
	assert.Equal(t, StageTeardown, h.aborted[0].Stage)
	assert.Equal(t, 1, h.recorder.outcomes[metrics.OutcomeFailed])
	assert.False(t, h.recorder.inFlight)

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx))

	h.panicAt = ""
	require.True(t, h.orch.RequestTransition(context.Background(), delta))
	h.drive(t)
	require.Len(t, h.ended, 1)
}

func TestTransition_HookPanicRecordedOnSpan(t *testing.T) {
	h := newHarness(t, true)
	h.panicAt = "post-unload"
	tracer := newSpanRecorder()
	h.orch.tracer = tracer

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	errs := tracer.errors("transition")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrHookPanic)
}

func TestTransition_NoCurrentWorkspaceSkipsUnload(t *testing.T) {
	h := newHarness(t, false)

	_, ok := h.orch.Current()
	assert.False(t, ok)

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	for _, e := range h.journal.list() {
		assert.NotContains(t, e, "unload:")
	}
	require.Len(t, h.ended, 1)
	current, _ := h.orch.Current()
	assert.Equal(t, bravo, current)
}

func TestTransition_ProgressCarriesHandleMessage(t *testing.T) {
	h := newHarness(t, true)
	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	found := false
	for _, e := range h.progress {
		if e.Index == 3 && e.Message == "warming caches" {
			found = true
		}
	}
	assert.True(t, found, "pre-load message not surfaced")
}

func TestRequestTransitionByName(t *testing.T) {
	h := newHarness(t, true)

	accepted, err := h.orch.RequestTransitionByName(context.Background(), "swamp")
	require.ErrorIs(t, err, workspace.ErrUnknownWorkspace)
	assert.False(t, accepted)

	accepted, err = h.orch.RequestTransitionByName(context.Background(), "delta")
	require.NoError(t, err)
	assert.True(t, accepted)
	h.drive(t)

	current, _ := h.orch.Current()
	assert.Equal(t, delta, current)
}

func TestRequestTransition_EmptyTarget(t *testing.T) {
	h := newHarness(t, true)
	assert.False(t, h.orch.RequestTransition(context.Background(), workspace.Descriptor{}))
	assert.False(t, h.orch.IsLoading())
}

func TestTransition_HooksFactoryError(t *testing.T) {
	loop := frame.NewLoop()
	o, err := New(Options{
		Loader: &fakeLoader{frames: loop, journal: &journal{}, step: 1},
		Frames: loop,
		Hooks: func(hooks.Env) (hooks.Hooks, error) {
			return nil, errors.New("no surface")
		},
	})
	require.NoError(t, err)

	accepted, err := o.RequestTransitionByName(context.Background(), "bravo")
	require.Error(t, err)
	assert.False(t, accepted)

	assert.False(t, o.RequestTransition(context.Background(), bravo))
	assert.False(t, o.IsLoading())
	assert.NoError(t, o.Wait(context.Background()))
}

func TestTransition_ListenerPanicIsContained(t *testing.T) {
	h := newHarness(t, true)
	h.orch.OnStarted(func(StartedEvent) { panic("listener exploded") })
	late := 0
	h.orch.OnStarted(func(StartedEvent) { late++ })

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	assert.Equal(t, 1, late)
	require.Len(t, h.ended, 1)
}

func TestTransition_Unsubscribe(t *testing.T) {
	h := newHarness(t, true)
	calls := 0
	unsubscribe := h.orch.OnEnded(func(EndedEvent) { calls++ })
	unsubscribe()

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)
	assert.Equal(t, 0, calls)
}

func TestTransition_ChainFromEndedListener(t *testing.T) {
	h := newHarness(t, true)
	once := false
	h.orch.OnEnded(func(e EndedEvent) {
		if e.Current == bravo && !once {
			once = true
			assert.True(t, h.orch.RequestTransition(context.Background(), delta))
		}
	})

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	current, _ := h.orch.Current()
	assert.Equal(t, delta, current)
	assert.Equal(t, []string{
		"started:bravo", "activated:bravo", "ended:bravo",
		"started:delta", "activated:delta", "ended:delta",
	}, h.events.list())
}

func TestWait_WithRealTimeDriver(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	go h.loop.Run(ctx, time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.orch.Wait(waitCtx))
	assert.False(t, h.orch.IsLoading())
}

func TestNew_Validation(t *testing.T) {
	loop := frame.NewLoop()
	loader := &fakeLoader{frames: loop, journal: &journal{}}

	_, err := New(Options{Frames: loop})
	assert.Error(t, err)

	_, err = New(Options{Loader: loader})
	assert.Error(t, err)

	_, err = New(Options{Loader: loader, Frames: loop, Variant: "cinematic-unknown"})
	assert.ErrorIs(t, err, hooks.ErrUnknownVariant)

	o, err := New(Options{Loader: loader, Frames: loop, MainThreshold: 0.97})
	require.NoError(t, err)
	assert.Equal(t, content.HeldProgress, o.threshold)

	o, err = New(Options{Loader: loader, Frames: loop})
	require.NoError(t, err)
	assert.Equal(t, DefaultMainThreshold, o.threshold)

	o, err = New(Options{Loader: loader, Frames: loop, MainThreshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, o.threshold)
}

func TestTransition_LowerThresholdExitsEarly(t *testing.T) {
	h := newHarness(t, true)
	h.orch.threshold = 0.5
	h.loader.step = 0.25

	require.True(t, h.orch.RequestTransition(context.Background(), bravo))
	h.drive(t)

	// Stage 4 (load-main) publishes 0, 0.25 and then completes at 0.5.
	var mainValues []float64
	for _, e := range h.progress {
		if e.Index == 4 {
			mainValues = append(mainValues, e.Progress*6-4)
		}
	}
	require.NotEmpty(t, mainValues)
	for _, v := range mainValues[:len(mainValues)-1] {
		assert.Less(t, v, 0.5+1e-9)
	}
	assert.InDelta(t, 1.0, mainValues[len(mainValues)-1], 1e-9)
}

func TestStage(t *testing.T) {
	assert.Equal(t, "unload-pre", StageUnloadPre.String())
	assert.Equal(t, "load-main", StageLoadMain.String())
	assert.Equal(t, "unknown", Stage(99).String())

	assert.Equal(t, 0, StageUnloadPre.HandleIndex())
	assert.Equal(t, 5, StageLoadPost.HandleIndex())
	assert.Equal(t, -1, StageIntro.HandleIndex())
	assert.Equal(t, -1, StageOutro.HandleIndex())
}

// driveRealtime steps frames with short sleeps so pool workers can progress.
func driveRealtime(t *testing.T, loop *frame.Loop, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition never met")
		loop.Step(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestTransition_RecoversAfterCancelledLoad(t *testing.T) {
	catalog, err := workspace.NewCatalog(alpha, bravo, delta)
	require.NoError(t, err)
	require.NoError(t, catalog.SetActive(alpha.Name))

	loader, err := content.NewPoolLoader(content.PoolConfig{
		Workers: 2,
		Load:    content.SteppedJob(50, 10*time.Millisecond),
		Unload:  content.SteppedJob(2, time.Millisecond),
	})
	require.NoError(t, err)
	defer loader.Close()
	loader.MarkResident(alpha.Name)

	loop := frame.NewLoop()
	orch, err := New(Options{Registry: catalog, Loader: loader, Frames: loop})
	require.NoError(t, err)

	var aborted []AbortedEvent
	var ended []EndedEvent
	orch.OnAborted(func(e AbortedEvent) { aborted = append(aborted, e) })
	orch.OnEnded(func(e EndedEvent) { ended = append(ended, e) })

	require.True(t, orch.RequestTransition(context.Background(), bravo))
	driveRealtime(t, loop, func() bool {
		s, ok := orch.Status().(InFlight)
		return ok && s.Stage == StageLoadMain
	})
	require.True(t, orch.Cancel())
	driveRealtime(t, loop, func() bool { return !orch.IsLoading() })

	require.Len(t, aborted, 1)
	assert.True(t, aborted[0].Cancelled)
	current, _ := orch.Current()
	assert.Equal(t, bravo, current)
	assert.False(t, loader.Resident(bravo.Name))

	for _, next := range []workspace.Descriptor{delta, alpha} {
		require.True(t, orch.RequestTransition(context.Background(), next))
		driveRealtime(t, loop, func() bool { return !orch.IsLoading() })
		current, _ := orch.Current()
		assert.Equal(t, next, current)
		assert.True(t, loader.Resident(next.Name))
	}
	assert.Len(t, aborted, 1)
	assert.Len(t, ended, 2)
}
