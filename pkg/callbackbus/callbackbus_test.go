package callbackbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_RegisterIsIdempotent(t *testing.T) {
	b := New()
	b.Register("job-1")
	b.Register("job-1")

	errCh, doneCh, ok := b.Wait("job-1")
	require.True(t, ok)
	require.NotNil(t, errCh)
	require.NotNil(t, doneCh)
}

func TestBus_WaitUnregisteredReturnsNotOK(t *testing.T) {
	b := New()
	_, _, ok := b.Wait("no-such-job")
	require.False(t, ok)
}

func TestBus_SignalCompletionClosesDoneChannel(t *testing.T) {
	b := New()
	b.Register("job-1")

	_, doneCh, ok := b.Wait("job-1")
	require.True(t, ok)

	b.SignalCompletion("job-1")

	select {
	case _, open := <-doneCh:
		require.False(t, open, "doneCh must be closed, not sent a value")
	case <-time.After(time.Second):
		t.Fatal("doneCh did not close after SignalCompletion")
	}
}

func TestBus_SignalCompletionIsOneShot(t *testing.T) {
	b := New()
	b.Register("job-1")

	b.SignalCompletion("job-1")
	require.NotPanics(t, func() { b.SignalCompletion("job-1") }, "a second completion signal must not re-close the channel")
}

func TestBus_SignalErrorDeliversMessage(t *testing.T) {
	b := New()
	b.Register("job-1")

	errCh, _, ok := b.Wait("job-1")
	require.True(t, ok)

	b.SignalError("job-1", "builder panicked")

	select {
	case msg := <-errCh:
		require.Equal(t, "builder panicked", msg)
	case <-time.After(time.Second):
		t.Fatal("errCh did not receive a message after SignalError")
	}
}

func TestBus_SignalErrorIsOneShot(t *testing.T) {
	b := New()
	b.Register("job-1")

	errCh, _, ok := b.Wait("job-1")
	require.True(t, ok)

	b.SignalError("job-1", "first error")
	b.SignalError("job-1", "second error")

	require.Equal(t, "first error", <-errCh)

	select {
	case msg := <-errCh:
		t.Fatalf("expected no second message, got %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SignalAfterRemoveIsNoOp(t *testing.T) {
	b := New()
	b.Register("job-1")
	b.Remove("job-1")

	require.NotPanics(t, func() {
		b.SignalError("job-1", "too late")
		b.SignalCompletion("job-1")
	})

	_, _, ok := b.Wait("job-1")
	require.False(t, ok)
}

func TestBus_RemoveUnregisteredIsSafe(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Remove("never-registered") })
}

func TestBus_SeparateJobsDoNotCrossSignal(t *testing.T) {
	b := New()
	b.Register("job-1")
	b.Register("job-2")

	b.SignalCompletion("job-1")

	_, done1, _ := b.Wait("job-1")
	_, done2, _ := b.Wait("job-2")

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("job-1 done channel should be closed")
	}

	select {
	case <-done2:
		t.Fatal("job-2 done channel must not be closed by job-1's signal")
	case <-time.After(50 * time.Millisecond):
	}
}
