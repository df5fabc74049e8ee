package hubcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
)

func TestTaskGroup_DropsWhenSaturated(t *testing.T) {
	g := newTaskGroup(1, time.Second, discardLogger())
	release := make(chan struct{})
	assert.True(t, g.Go("block", func(ctx context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, g.Go("dropped", func(ctx context.Context) error { return nil }))
	close(release)
	g.Wait()

	assert.True(t, g.Go("again", func(ctx context.Context) error { return nil }))
	g.Wait()
}

func TestTaskGroup_AlwaysRunsWhenSaturated(t *testing.T) {
	g := newTaskGroup(1, time.Second, discardLogger())
	release := make(chan struct{})
	g.Go("block", func(ctx context.Context) error {
		<-release
		return nil
	})

	var stored atomic.Bool
	g.Always("store", func(ctx context.Context) error {
		stored.Store(true)
		return nil
	})
	close(release)
	g.Wait()
	assert.True(t, stored.Load())
}

func TestTaskGroup_ContainsFailures(t *testing.T) {
	g := newTaskGroup(4, time.Second, discardLogger())
	var ran atomic.Int32
	g.Go("panics", func(ctx context.Context) error {
		ran.Add(1)
		panic("boom")
	})
	g.Go("fails", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New(errors.CodeNetwork, "origin unreachable")
	})
	g.Wait()
	assert.Equal(t, int32(2), ran.Load())
}

func TestTaskGroup_TimeoutAndStop(t *testing.T) {
	g := newTaskGroup(2, 10*time.Millisecond, discardLogger())
	errc := make(chan error, 1)
	g.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})
	g.Wait()
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)

	g = newTaskGroup(2, time.Minute, discardLogger())
	g.Go("long", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return nil
	})
	g.Stop()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
