package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// recorder collects the order components shut down in.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) component(name string, delay time.Duration, err error) Component {
	return NewFuncComponent(name, func(ctx context.Context) error {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
		select {
		case <-time.After(delay):
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComponentsStopInReverseOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every component stops once, last registered first", prop.ForAll(
		func(n int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithTimeout(time.Second), WithLogger(quietLogger()))
			for i := 0; i < n; i++ {
				c.Register(rec.component(string(rune('a'+i)), 0, nil))
			}
			c.Shutdown()
			c.Shutdown()
			c.Wait()

			if len(rec.names) != n || c.ExitCode() != 0 {
				return false
			}
			for i, name := range rec.names {
				if name != string(rune('a'+n-1-i)) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestShutdownOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	rec := &recorder{}
	c := NewCoordinator(WithSignalChannel(sigCh), WithLogger(quietLogger()))
	c.Register(rec.component("api", 0, nil))

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(context.Background())
		close(done)
	}()
	sigCh <- os.Interrupt

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if len(rec.names) != 1 {
		t.Errorf("stopped %v", rec.names)
	}
}

func TestShutdownOnContext(t *testing.T) {
	c := NewCoordinator(WithSignalChannel(make(chan os.Signal)), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.WaitForSignal(ctx)
	c.Wait()
}

func TestFailureAndTimeoutSetExitCode(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		err     error
		stopped int
	}{
		{name: "failing component", err: errors.New("flush failed"), stopped: 2},
		{name: "slow component", delay: time.Second, stopped: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := NewCoordinator(WithTimeout(100*time.Millisecond), WithLogger(quietLogger()))
			c.Register(rec.component("store", 0, nil))
			c.Register(rec.component("engine", tt.delay, tt.err))

			start := time.Now()
			c.Shutdown()
			c.Wait()

			if c.ExitCode() != 1 {
				t.Errorf("ExitCode() = %d, want 1", c.ExitCode())
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("shutdown took %s", elapsed)
			}
			if len(rec.names) != tt.stopped {
				t.Errorf("stopped %v, want %d components", rec.names, tt.stopped)
			}
		})
	}
}

type blockingStopper struct {
	release chan struct{}
	stopped atomic.Bool
}

func (b *blockingStopper) Stop() {
	<-b.release
	b.stopped.Store(true)
}

func TestStopperComponent(t *testing.T) {
	s := &blockingStopper{release: make(chan struct{})}
	comp := NewStopperComponent("engine", s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := comp.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v, want deadline exceeded", err)
	}

	close(s.release)
	if err := comp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if !s.stopped.Load() {
		t.Error("Stop was not called")
	}
}

func TestHTTPServerFinishesInFlightRequests(t *testing.T) {
	var completed atomic.Bool
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCoordinator(WithTimeout(2*time.Second), WithLogger(quietLogger()))
	c.Register(NewHTTPServerComponent("http", srv.Config))

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-started

	c.Shutdown()
	c.Wait()

	if !completed.Load() {
		t.Error("in-flight request did not complete before shutdown returned")
	}
	if got := <-status; got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
	if c.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d", c.ExitCode())
	}
}
