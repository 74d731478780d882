package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New("test")
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	// Do runs after everything posted before it.
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDoReturnsClosureError(t *testing.T) {
	l := New("test")
	defer l.Close()

	want := errors.New("boom")
	err := l.Do(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestDoAfterClose(t *testing.T) {
	l := New("test")
	l.Close()

	err := l.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	var ran atomic.Bool
	l.Post(func() { ran.Store(true) })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestDoHonorsContext(t *testing.T) {
	l := New("test")
	defer l.Close()

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New("test")
	defer l.Close()

	l.Post(func() { panic("bad task") })

	err := l.Do(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}
