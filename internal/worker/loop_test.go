package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLoop(cfg Config) *Loop {
	return &Loop{cfg: cfg, logger: zap.NewNop()}
}

func TestDrain_NoInFlightReturnsImmediately(t *testing.T) {
	l := newTestLoop(Config{})
	done := make(chan executionOutcome, 1)

	err := l.drain(context.Background(), false, done)
	require.NoError(t, err)
}

func TestDrain_WaitsIndefinitelyWhenNoShutdownTimeoutConfigured(t *testing.T) {
	l := newTestLoop(Config{ShutdownTimeout: 0})
	done := make(chan executionOutcome, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		done <- executionOutcome{jobID: "job-1"}
	}()

	start := time.Now()
	err := l.drain(context.Background(), true, done)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDrain_ReturnsOnceInFlightFinishesBeforeTimeout(t *testing.T) {
	l := newTestLoop(Config{ShutdownTimeout: 1 * time.Second})
	done := make(chan executionOutcome, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		done <- executionOutcome{jobID: "job-1"}
	}()

	start := time.Now()
	err := l.drain(context.Background(), true, done)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 1*time.Second, "drain must return as soon as the in-flight job finishes, not wait out the full timeout")
}

func TestDrain_GivesUpAfterShutdownTimeoutExceeded(t *testing.T) {
	l := newTestLoop(Config{ShutdownTimeout: 20 * time.Millisecond})
	done := make(chan executionOutcome) // never sent to: simulates a job still running

	start := time.Now()
	err := l.drain(context.Background(), true, done)
	require.NoError(t, err, "an exhausted shutdown timeout is not itself an error; the process simply exits")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestHarvest_LogsErrorButDoesNotPanic(t *testing.T) {
	l := newTestLoop(Config{})
	assert.NotPanics(t, func() {
		l.harvest(executionOutcome{jobID: "job-1", err: assertError()})
		l.harvest(executionOutcome{jobID: "job-2"})
	})
}

func assertError() error {
	return context.DeadlineExceeded
}
