package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
)

func TestUpdateScheduler(t *testing.T) {
	t.Parallel()

	t.Run("a zero interval disables scheduling", func(t *testing.T) {
		t.Parallel()

		var runs atomic.Int64
		s := newUpdateScheduler(0, func(context.Context) { runs.Add(1) }, logging.NewNopLogger())

		require.NoError(t, s.Start())
		assert.Nil(t, s.s)
		s.Stop()

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, runs.Load())
	})

	t.Run("runs the task on the interval", func(t *testing.T) {
		t.Parallel()

		var runs atomic.Int64
		s := newUpdateScheduler(20*time.Millisecond, func(context.Context) { runs.Add(1) }, logging.NewNopLogger())

		require.NoError(t, s.Start())
		defer s.Stop()

		assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("stop before start is safe", func(t *testing.T) {
		t.Parallel()

		s := newUpdateScheduler(time.Hour, nil, logging.NewNopLogger())
		s.Stop()
	})
}
