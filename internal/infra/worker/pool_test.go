package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-commerce/internal/infra/logging"
)

func TestPool_StopDrainsQueue(t *testing.T) {
	p := NewPool(2, 16, logging.Nop())
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			done.Add(1)
			return nil
		}))
	}
	p.Start(context.Background())
	p.Stop()
	assert.EqualValues(t, 10, done.Load())

	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
	p.Stop()
}

func TestPool_QueueFullIsReported(t *testing.T) {
	p := NewPool(1, 1, logging.Nop())
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrQueueFull)
	assert.Error(t, p.Submit(nil))
	p.Start(context.Background())
	p.Stop()
}

func TestPool_SurvivesFailingTasks(t *testing.T) {
	p := NewPool(1, 8, logging.Nop())
	var ran atomic.Int32
	p.Start(context.Background())
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { return errors.New("nope") }))
	require.NoError(t, p.Submit(func(context.Context) error { ran.Add(1); return nil }))
	p.Stop()
	assert.EqualValues(t, 1, ran.Load())
}
