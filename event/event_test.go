package event_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/govisor/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIRQ struct {
	pending int
	err     error
	calls   int
}

func (f *fakeIRQ) Service() (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}

	if f.pending > 0 {
		f.pending--

		return true, nil
	}

	return false, nil
}

func TestIdleRunsOnlyAfterWorklessPass(t *testing.T) {
	t.Parallel()

	l := event.New(nil, zap.NewNop())

	script := []bool{true, true, false, true, false, false}
	iter := 0

	l.AddBusy("scripted", func() (bool, error) {
		ok := script[iter]
		iter++

		return ok, nil
	})
	l.AddBusy("never", func() (bool, error) { return false, nil })

	var idled []int

	_, err := l.AddIdle("halt", func() (bool, error) {
		idled = append(idled, iter)

		return true, nil
	})
	require.NoError(t, err)

	for range script {
		_, err := l.RunOnce()
		require.NoError(t, err)
	}

	assert.Equal(t, []int{3, 5, 6}, idled)
	assert.Equal(t, event.Stats{Iterations: 6, IdleRuns: 3}, l.Stats())
}

func TestSecondIdleRejected(t *testing.T) {
	t.Parallel()

	l := event.New(nil, zap.NewNop())

	_, err := l.AddIdle("hlt", func() (bool, error) { return false, nil })
	require.NoError(t, err)

	_, err = l.AddIdle("mwait", func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, event.ErrIdleExists)
}

func TestNoIdleRegistered(t *testing.T) {
	t.Parallel()

	l := event.New(nil, zap.NewNop())
	l.AddBusy("nothing", func() (bool, error) { return false, nil })

	worked, err := l.RunOnce()
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Zero(t, l.Stats().IdleRuns)
}

func TestInterruptsServicedFirst(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{pending: 1}
	l := event.New(irq, zap.NewNop())

	var order []string

	l.AddBusy("busy", func() (bool, error) {
		order = append(order, "busy")

		return false, nil
	})

	_, err := l.AddIdle("idle", func() (bool, error) {
		order = append(order, "idle")

		return false, nil
	})
	require.NoError(t, err)

	worked, err := l.RunOnce()
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"busy", "idle"}, order)
	assert.Equal(t, 1, irq.calls)

	irq.err = errors.New("no handler")
	_, err = l.RunOnce()
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	l := event.New(nil, zap.NewNop())
	calls := 0

	var id event.ID

	id = l.AddBusy("once", func() (bool, error) {
		calls++

		return true, l.Remove(id)
	})

	idle, err := l.AddIdle("idle", func() (bool, error) { return false, nil })
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.RunOnce()
		require.NoError(t, err)
	}

	assert.Equal(t, 1, calls)
	require.NoError(t, l.Remove(idle))
	assert.Error(t, l.Remove(idle))
	assert.Empty(t, l.Registrations())

	_, err = l.AddIdle("idle", func() (bool, error) { return false, nil })
	assert.NoError(t, err)
}

func TestCallbackErrorStopsRun(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	l := event.New(nil, zap.NewNop())
	l.AddBusy("fail", func() (bool, error) { return false, boom })

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	l := event.New(nil, zap.NewNop())

	_, err := l.AddIdle("wait", func() (bool, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}

		return false, nil
	})
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}
