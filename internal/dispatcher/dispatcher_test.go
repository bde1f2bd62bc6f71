// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	a := &blockingWorker{started: make(chan struct{})}
	b := &blockingWorker{started: make(chan struct{})}
	dispatch := New([]Runner{a, b}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatch.Run(ctx) }()

	for _, w := range []*blockingWorker{a, b} {
		select {
		case <-w.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherStopsOnWorkerError verifies one failing worker stops the pool.
func TestDispatcherStopsOnWorkerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("store unreachable")
	healthy := &blockingWorker{started: make(chan struct{})}
	dispatch := New([]Runner{healthy, failingWorker{err: boom}}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- dispatch.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after worker failure")
	}
}

type blockingWorker struct {
	started chan struct{}
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return nil
}

type failingWorker struct {
	err error
}

func (w failingWorker) Run(context.Context) error {
	return w.err
}
