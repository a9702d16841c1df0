package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "supervisor did not finish")
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	waitFor(t, s)
	require.ErrorIs(t, s.Err(), boom)
	c := s.Counters()
	require.Zero(t, c.Active)
	require.EqualValues(t, 2, c.Started)
}

func TestPanicIsRecovered(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("panics", func(context.Context) { panic("bad") })
	waitFor(t, s)
	require.Error(t, s.Err(), "panic not reported")
	require.NoError(t, s.Context().Err(), "context canceled without WithCancelOnError")
	s.Cancel()
}

func TestGoRestart(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("again")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitFor(t, s)
	require.EqualValues(t, 3, runs.Load())
}

func TestStopWaitsForGoroutines(t *testing.T) {
	s := NewSupervisor(context.Background())
	var stopped atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.True(t, stopped.Load(), "Stop returned before the goroutine exited")
}
