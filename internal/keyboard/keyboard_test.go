package keyboard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMotionCommandTriggersPublisher(t *testing.T) {
	var mu sync.Mutex
	var areas []float64

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New(strings.NewReader("m\n"), func(area float64) {
		mu.Lock()
		areas = append(areas, area)
		mu.Unlock()
	}, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(areas) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, simulatedContourArea, areas[0])
	mu.Unlock()

	cancel()
	<-done
}

func TestQuitCommandTriggersShutdown(t *testing.T) {
	var reason string
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New(strings.NewReader("q\n"), nil, func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
	}, zerolog.Nop())

	go h.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reason != ""
	}, time.Second, 5*time.Millisecond)
}

func TestNilInputBlocksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(nil, nil, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned before ctx was cancelled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after ctx cancellation")
	}
}

func TestUnrecognizedCommandIsIgnored(t *testing.T) {
	called := false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New(strings.NewReader("blah\n"), func(float64) { called = true }, func(string) { called = true }, zerolog.Nop())
	go h.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}
