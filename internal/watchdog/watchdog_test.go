package watchdog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/metamatt/stargate/internal/watchdog"
)

// fakeSession is a minimal watchdog.Session for tests.
type fakeSession struct {
	done chan struct{}
	err  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }
func (f *fakeSession) Err() error            { return f.err }
func (f *fakeSession) kill(err error) {
	f.err = err
	close(f.done)
}

func TestRegisterReconnectsAfterFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wd := watchdog.New(ctx, nil)
		defer wd.Stop()

		first := newFakeSession()
		second := newFakeSession()

		var mu sync.Mutex
		attempts := 0
		reconnect := func(ctx context.Context) (watchdog.Session, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return second, nil
		}

		wd.Register("lutron", first, reconnect)
		first.kill(errors.New("connection reset"))

		synctest.Wait()
		time.Sleep(2 * time.Second)
		synctest.Wait()

		mu.Lock()
		got := attempts
		mu.Unlock()
		if got != 1 {
			t.Fatalf("reconnect called %d times, want 1", got)
		}

		connected, err := wd.Status("lutron")
		if !connected || err != nil {
			t.Fatalf("Status after reconnect = (%v, %v), want (true, nil)", connected, err)
		}
	})
}

func TestReconnectBackoffSequence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wd := watchdog.New(ctx, nil)
		defer wd.Stop()

		first := newFakeSession()

		var mu sync.Mutex
		var elapsed []time.Duration
		attempts := 0
		const succeedOnAttempt = 3

		start := time.Now()
		reconnect := func(ctx context.Context) (watchdog.Session, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			elapsed = append(elapsed, time.Since(start))
			if attempts <= succeedOnAttempt {
				return nil, errors.New("still down")
			}
			return newFakeSession(), nil
		}

		wd.Register("dsc", first, reconnect)
		first.kill(errors.New("reset"))

		// Each attempt is preceded by its own wait, not just the ones
		// following a failure (spec.md §4.2/§8: "waits 2s then invokes",
		// "on failure, next attempt at 4s").
		synctest.Wait()
		time.Sleep(2 * time.Second)
		synctest.Wait()
		time.Sleep(4 * time.Second)
		synctest.Wait()
		time.Sleep(8 * time.Second)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		want := []time.Duration{2 * time.Second, 6 * time.Second, 14 * time.Second}
		if len(elapsed) < len(want) {
			t.Fatalf("got %d observed attempt times, want at least %d: %v", len(elapsed), len(want), elapsed)
		}
		for i, w := range want {
			if elapsed[i] != w {
				t.Errorf("elapsed[%d] = %v, want %v", i, elapsed[i], w)
			}
		}
	})
}

func TestBackoffCapsAt120Seconds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wd := watchdog.New(ctx, nil)
		defer wd.Stop()

		first := newFakeSession()

		var mu sync.Mutex
		attempts := 0
		reconnect := func(ctx context.Context) (watchdog.Session, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("still down")
		}

		wd.Register("vera", first, reconnect)
		first.kill(errors.New("reset"))

		// Advance past every scheduled step plus several capped rounds.
		total := 2 + 4 + 8 + 16 + 32 + 64 + 120 + 120 + 120
		for total > 0 {
			step := 10 * time.Second
			time.Sleep(step)
			synctest.Wait()
			total -= 10
		}

		mu.Lock()
		got := attempts
		mu.Unlock()
		if got < 8 {
			t.Fatalf("expected at least 8 reconnect attempts by now, got %d", got)
		}
	})
}

func TestForgetStopsMonitoring(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wd := watchdog.New(ctx, nil)
		defer wd.Stop()

		sess := newFakeSession()
		called := false
		reconnect := func(ctx context.Context) (watchdog.Session, error) {
			called = true
			return newFakeSession(), nil
		}

		wd.Register("vera", sess, reconnect)
		wd.Forget("vera")
		sess.kill(errors.New("reset"))

		synctest.Wait()

		if called {
			t.Error("reconnect invoked after Forget")
		}
		if _, err := wd.Status("vera"); err == nil {
			t.Error("Status succeeded for forgotten registration")
		}
	})
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wd := watchdog.New(ctx, nil)

		sess := newFakeSession()
		reconnect := func(ctx context.Context) (watchdog.Session, error) {
			return nil, errors.New("still down")
		}

		wd.Register("vera", sess, reconnect)
		sess.kill(errors.New("reset"))
		synctest.Wait()

		done := make(chan struct{})
		go func() {
			wd.Stop()
			close(done)
		}()

		synctest.Wait()
		select {
		case <-done:
		default:
			t.Fatal("Stop did not return promptly once backoff goroutine observed cancellation")
		}
	})
}
