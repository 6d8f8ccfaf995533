package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventLoop_RunsInOrderAndSurvivesPanics(t *testing.T) {
	loop := NewEventLoop(8, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var order []int
	loop.Post(func() { order = append(order, 1) })
	loop.Post(func() { panic("boom") })
	loop.Post(func() { order = append(order, 2) })

	require.NoError(t, loop.Call(ctx, func() { order = append(order, 3) }))
	assert.Equal(t, []int{1, 2, 3}, order)

	cancel()
	<-loop.Done()
	// posting after shutdown must not block
	loop.Post(func() {})
	assert.Error(t, loop.Call(context.Background(), func() {}))
}

func TestEventLoop_PostFromHandlerWithFullQueue(t *testing.T) {
	loop := NewEventLoop(1, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var order []int
	callCtx, callCancel := context.WithTimeout(ctx, time.Second)
	defer callCancel()
	require.NoError(t, loop.Call(callCtx, func() {
		order = append(order, 1)
		for i := 2; i <= 5; i++ {
			i := i
			loop.Post(func() { order = append(order, i) })
		}
	}))

	require.NoError(t, loop.Call(callCtx, func() { order = append(order, 6) }))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, order)
}
