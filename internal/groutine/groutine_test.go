package groutine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NameIsVisible(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "listener-2aa7", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "listener-2aa7", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.NotZero(t, GetGID())
}

func TestGroup_StopCancelsAndWaits(t *testing.T) {
	g := NewGroup(context.Background())
	var finished atomic.Int32

	for i := 0; i < 3; i++ {
		require.True(t, g.Go("member", func(ctx context.Context) {
			<-ctx.Done()
			finished.Add(1)
		}))
	}

	g.Stop()
	assert.Equal(t, int32(3), finished.Load(), "Stop MUST wait for every member")
	assert.Error(t, g.Context().Err())
}

func TestGroup_GoAfterStopIsRejected(t *testing.T) {
	g := NewGroup(nil)
	g.Stop()

	ran := false
	assert.False(t, g.Go("late", func(context.Context) { ran = true }))
	assert.False(t, ran)
}

func TestGroup_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	g := NewGroup(parent)
	done := make(chan struct{})
	g.Go("member", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("member MUST observe parent cancellation")
	}
	g.Stop()
}
