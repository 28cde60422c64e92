package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKind int

const (
	kindA testKind = iota
	kindB
	kindC
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message[testKind]
	at   []time.Time
	ch   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 1024)}
}

func (r *recorder) handle(msg Message[testKind]) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.at = append(r.at, time.Now())
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
}

func (r *recorder) snapshot() []Message[testKind] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message[testKind], len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestActor_DispatchInSubmitOrder(t *testing.T) {
	rec := newRecorder()
	a := New("order", rec.handle)
	a.Start()
	defer a.Stop()

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Submit(Message[testKind]{Kind: kindA, Arg1: i}))
	}
	rec.wait(t, 50, time.Second)

	msgs := rec.snapshot()
	require.Len(t, msgs, 50)
	for i, msg := range msgs {
		assert.Equal(t, i, msg.Arg1)
	}
}

func TestActor_HandlersDoNotOverlap(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		overlap bool
		wg      sync.WaitGroup
	)
	wg.Add(200)
	a := New("serial", func(Message[testKind]) {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(50 * time.Microsecond)
		mu.Lock()
		running--
		mu.Unlock()
		wg.Done()
	})
	a.Start()
	defer a.Stop()

	for p := 0; p < 4; p++ {
		go func() {
			for i := 0; i < 50; i++ {
				_ = a.SubmitKind(kindA)
			}
		}()
	}
	wg.Wait()
	assert.False(t, overlap, "handler invocations overlapped")
}

func TestActor_DelayedNotBeforeDelay(t *testing.T) {
	rec := newRecorder()
	a := New("delay", rec.handle)
	a.Start()
	defer a.Stop()

	start := time.Now()
	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindB}, 60*time.Millisecond))
	rec.wait(t, 1, time.Second)

	rec.mu.Lock()
	elapsed := rec.at[0].Sub(start)
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestActor_DelayedOrderedByElapseTime(t *testing.T) {
	rec := newRecorder()
	a := New("elapse", rec.handle)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindA, Arg1: 1}, 80*time.Millisecond))
	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindA, Arg1: 2}, 20*time.Millisecond))
	require.NoError(t, a.Submit(Message[testKind]{Kind: kindA, Arg1: 3}))
	rec.wait(t, 3, time.Second)

	msgs := rec.snapshot()
	assert.Equal(t, 3, msgs[0].Arg1)
	assert.Equal(t, 2, msgs[1].Arg1)
	assert.Equal(t, 1, msgs[2].Arg1)
}

func TestActor_ZeroDelayIsImmediate(t *testing.T) {
	rec := newRecorder()
	a := New("zero", rec.handle)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindA, Arg1: 1}, 0))
	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindA, Arg1: 2}, -time.Second))
	rec.wait(t, 2, 200*time.Millisecond)

	msgs := rec.snapshot()
	assert.Equal(t, 1, msgs[0].Arg1)
	assert.Equal(t, 2, msgs[1].Arg1)
}

func TestActor_CancelBeforeDelayElapses(t *testing.T) {
	rec := newRecorder()
	a := New("cancel-delayed", rec.handle)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindB}, 50*time.Millisecond))
	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindC}, 50*time.Millisecond))
	assert.Equal(t, 1, a.Cancel(kindB))

	rec.wait(t, 1, time.Second)
	time.Sleep(100 * time.Millisecond)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, kindC, msgs[0].Kind)
}

func TestActor_CancelAfterDispatchHasNoEffect(t *testing.T) {
	rec := newRecorder()
	a := New("cancel-late", rec.handle)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindB}, 10*time.Millisecond))
	rec.wait(t, 1, time.Second)
	assert.Equal(t, 0, a.Cancel(kindB))
	assert.Len(t, rec.snapshot(), 1)
}

func TestActor_CancelQueuedMessages(t *testing.T) {
	rec := newRecorder()
	a := New("cancel-queued", rec.handle)

	// Not started, so everything stays queued.
	require.NoError(t, a.SubmitKind(kindA))
	require.NoError(t, a.SubmitKind(kindB))
	require.NoError(t, a.SubmitKind(kindA))
	require.NoError(t, a.SubmitKind(kindC))
	assert.Equal(t, 4, a.Pending())

	assert.Equal(t, 2, a.Cancel(kindA))
	assert.Equal(t, 2, a.Pending())

	a.Start()
	defer a.Stop()
	rec.wait(t, 2, time.Second)

	msgs := rec.snapshot()
	assert.Equal(t, kindB, msgs[0].Kind)
	assert.Equal(t, kindC, msgs[1].Kind)
}

func TestActor_HandlerMaySubmitToItself(t *testing.T) {
	done := make(chan int, 1)
	var a *Actor[testKind]
	a = New("self", func(msg Message[testKind]) {
		if msg.Arg1 < 5 {
			_ = a.Submit(Message[testKind]{Kind: kindA, Arg1: msg.Arg1 + 1})
			return
		}
		done <- msg.Arg1
	})
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitKind(kindA))
	select {
	case n := <-done:
		assert.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("self submission chain did not complete")
	}
}

func TestActor_PanicDoesNotStopLoop(t *testing.T) {
	rec := newRecorder()
	a := New("panic", func(msg Message[testKind]) {
		if msg.Kind == kindA {
			panic("boom")
		}
		rec.handle(msg)
	})
	a.Start()
	defer a.Stop()

	require.NoError(t, a.SubmitKind(kindA))
	require.NoError(t, a.SubmitKind(kindB))
	rec.wait(t, 1, time.Second)
	assert.Equal(t, kindB, rec.snapshot()[0].Kind)
}

func TestActor_TerminateRejectsWork(t *testing.T) {
	rec := newRecorder()
	a := New("terminate", rec.handle)
	a.Start()

	require.NoError(t, a.SubmitDelayed(Message[testKind]{Kind: kindA}, 30*time.Millisecond))
	a.Terminate()
	a.Join()

	assert.ErrorIs(t, a.SubmitKind(kindA), ErrTerminated)
	assert.ErrorIs(t, a.SubmitDelayed(Message[testKind]{Kind: kindA}, time.Millisecond), ErrTerminated)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestActor_TerminateUnblocksFullQueue(t *testing.T) {
	a := New("full", func(Message[testKind]) {}, WithQueueSize(1))
	require.NoError(t, a.SubmitKind(kindA))

	errCh := make(chan error, 1)
	go func() { errCh <- a.SubmitKind(kindB) }()

	time.Sleep(20 * time.Millisecond)
	a.Terminate()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released")
	}
	a.Join()
}
