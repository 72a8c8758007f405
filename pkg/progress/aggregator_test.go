package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandles(n int) []*Handle {
	out := make([]*Handle, n)
	for i := range out {
		out[i] = NewHandle()
	}
	return out
}

type observation struct {
	index    int
	progress float64
}

func observe(a *Aggregator) *[]observation {
	var seen []observation
	a.Subscribe(func(a *Aggregator) {
		seen = append(seen, observation{index: a.Index(), progress: a.Progress()})
	})
	return &seen
}

func TestNewAggregator_RequiresStages(t *testing.T) {
	a, err := NewAggregator(nil)
	require.ErrorIs(t, err, ErrNoStages)
	assert.Nil(t, a)
}

func TestNewAggregator_StartsAtFirstStage(t *testing.T) {
	handles := newHandles(6)
	a, err := NewAggregator(handles)
	require.NoError(t, err)

	assert.Equal(t, 0, a.Index())
	assert.Equal(t, 6, a.Total())
	assert.Same(t, handles[0], a.Current())
	assert.Equal(t, 0.0, a.Progress())
	assert.False(t, a.Terminal())
}

// TestAggregator_AdvanceOnFinished checks that after stage i finishes the
// index is i+1 and the recomputed progress is (i+1)/N.
func TestAggregator_AdvanceOnFinished(t *testing.T) {
	const n = 4
	handles := newHandles(n)
	a, err := NewAggregator(handles)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		handles[i].MarkCompleted()
		want := float64(i+1) / n
		assert.InDelta(t, want, a.Progress(), 1e-9)
		if i < n-1 {
			assert.Equal(t, i+1, a.Index())
			assert.Same(t, handles[i+1], a.Current())
		} else {
			assert.True(t, a.Terminal())
			assert.Nil(t, a.Current())
		}
	}
}

func TestAggregator_StraightCompletion(t *testing.T) {
	handles := newHandles(6)
	a, err := NewAggregator(handles)
	require.NoError(t, err)

	finished := 0
	for _, h := range handles {
		h.Attach(&Funcs{Finished: func(*Handle, float64) { finished++ }})
	}
	seen := observe(a)

	for _, h := range handles {
		h.MarkCompleted()
	}

	assert.Equal(t, 6, finished)
	require.NotEmpty(t, *seen)
	last := (*seen)[len(*seen)-1]
	assert.Equal(t, 1.0, last.progress)
	assert.True(t, a.Terminal())
}

func TestAggregator_MonotonicWithinStage(t *testing.T) {
	handles := newHandles(3)
	a, err := NewAggregator(handles)
	require.NoError(t, err)
	seen := observe(a)

	handles[0].MarkCompleted()
	for _, p := range []float64{0.1, 0.25, 0.5, 0.9, 1.3} {
		handles[1].SetProgress(p)
	}

	prev := -1.0
	for _, o := range *seen {
		assert.GreaterOrEqual(t, o.progress, prev)
		assert.LessOrEqual(t, o.progress, 1.0)
		prev = o.progress
	}
	assert.InDelta(t, 2.0/3.0, a.Progress(), 1e-9)
}

func TestAggregator_IgnoresNonCurrentHandles(t *testing.T) {
	handles := newHandles(3)
	a, err := NewAggregator(handles)
	require.NoError(t, err)
	seen := observe(a)

	handles[2].SetProgress(0.7)
	handles[1].MarkCompleted()

	assert.Empty(t, *seen)
	assert.Equal(t, 0, a.Index())
}

func TestAggregator_UnsubscribeListener(t *testing.T) {
	handles := newHandles(2)
	a, err := NewAggregator(handles)
	require.NoError(t, err)

	calls := 0
	cancel := a.Subscribe(func(*Aggregator) { calls++ })
	handles[0].SetProgress(0.5)
	cancel()
	handles[0].SetProgress(0.6)

	assert.Equal(t, 1, calls)
}

func TestAggregator_DisposeMidSequence(t *testing.T) {
	handles := newHandles(6)
	a, err := NewAggregator(handles)
	require.NoError(t, err)
	seen := observe(a)

	handles[0].MarkCompleted()
	handles[1].SetProgress(0.4)
	count := len(*seen)

	a.Dispose()
	a.Dispose()

	assert.Equal(t, -1, a.Index())
	assert.Nil(t, a.Current())
	assert.Equal(t, 0.0, a.Progress())
	for _, h := range handles {
		assert.Equal(t, 0.0, h.Progress())
		assert.False(t, h.Completed())
	}

	handles[1].SetProgress(0.9)
	handles[1].MarkCompleted()
	assert.Len(t, *seen, count, "no events after dispose")
}

func TestAggregator_DisposeAfterTerminal(t *testing.T) {
	handles := newHandles(2)
	a, err := NewAggregator(handles)
	require.NoError(t, err)

	handles[0].MarkCompleted()
	handles[1].MarkCompleted()
	require.True(t, a.Terminal())

	assert.NotPanics(t, a.Dispose)
	assert.False(t, a.Terminal())
}
