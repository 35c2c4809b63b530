package logs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store/memory"
)

func TestBrokerDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := b.Subscribe(ctx, "api:1", "")
	buildOnly := b.Subscribe(ctx, "api:1", models.PhaseBuild)
	other := b.Subscribe(ctx, "api:2", "")

	b.Publish(&models.LogEntry{BuildID: "api:1", Phase: models.PhaseInstall, Message: "install"})
	b.Publish(&models.LogEntry{BuildID: "api:1", Phase: models.PhaseBuild, Message: "build"})

	if got := len(all.Ch); got != 2 {
		t.Errorf("all-phase subscriber got %d entries, want 2", got)
	}
	if got := len(buildOnly.Ch); got != 1 {
		t.Errorf("build subscriber got %d entries, want 1", got)
	}
	if got := len(other.Ch); got != 0 {
		t.Errorf("other build's subscriber got %d entries", got)
	}

	b.CloseBuild("api:1")
	if b.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d after CloseBuild, want 1", b.SubscriberCount())
	}
	for range all.Ch {
	}
}

func TestBrokerUnsubscribesWhenContextEnds(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "api:1", "")
	cancel()

	select {
	case _, ok := <-sub.Ch:
		if ok {
			t.Fatal("unexpected entry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
	// Unsubscribing twice is harmless.
	b.Unsubscribe(sub)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx, "api:1", "")

	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		b.Publish(&models.LogEntry{BuildID: "api:1", Message: fmt.Sprint(i)})
	}
	if len(sub.Ch) != DefaultSubscriberBuffer {
		t.Errorf("buffered %d entries, want %d", len(sub.Ch), DefaultSubscriberBuffer)
	}
}

func TestSinkFlushPersistsInOrder(t *testing.T) {
	st := memory.New()
	broker := NewBroker(nil)
	sink := NewSink(st.Logs(), broker, WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := broker.Subscribe(ctx, "api:1", "")

	sink.Append("api:1", models.PhaseInstall, []string{"one", "two"})
	sink.Append("api:1", models.PhaseBuild, []string{"three"})

	if lines, live := sink.Tail("api:1", 2); !live || len(lines) != 2 || lines[1].Message != "three" {
		t.Errorf("Tail = %v, %v", lines, live)
	}
	if len(sub.Ch) != 3 {
		t.Errorf("broker got %d entries before flush, want 3", len(sub.Ch))
	}

	if err := sink.Flush(context.Background(), "api:1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stored, err := st.Logs().List(context.Background(), "api:1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range stored {
		got = append(got, e.Message)
	}
	if fmt.Sprint(got) != "[one two three]" {
		t.Errorf("stored = %v", got)
	}
	if _, live := sink.Tail("api:1", 0); live {
		t.Error("tail kept after flush")
	}
}

func TestSinkBackgroundWriter(t *testing.T) {
	st := memory.New()
	sink := NewSink(st.Logs(), nil, WithBatchSize(2), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)

	sink.Append("api:2", models.PhaseBuild, []string{"a", "b", "c"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := st.Logs().List(context.Background(), "api:2", 0)
		if len(stored) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch not written, stored %d lines", len(stored))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	sink.Stop()
}

// failingLogs fails the first n appends.
type failingLogs struct {
	mu    sync.Mutex
	fails int
	lines []string
}

func (f *failingLogs) Append(ctx context.Context, entries []*models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("database unavailable")
	}
	for _, e := range entries {
		f.lines = append(f.lines, e.Message)
	}
	return nil
}

func (f *failingLogs) List(context.Context, string, int) ([]*models.LogEntry, error) {
	return nil, nil
}

func (f *failingLogs) DeleteByBuild(context.Context, string) error { return nil }

func TestSinkKeepsLinesWhenStoreFails(t *testing.T) {
	logs := &failingLogs{fails: 1}
	sink := NewSink(logs, nil)

	sink.Append("api:3", models.PhaseBuild, []string{"first"})
	if err := sink.write(context.Background(), "api:3"); err == nil {
		t.Fatal("expected write to fail")
	}
	sink.Append("api:3", models.PhaseBuild, []string{"second"})
	if err := sink.Flush(context.Background(), "api:3"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fmt.Sprint(logs.lines) != "[first second]" {
		t.Errorf("stored = %v", logs.lines)
	}
}

func TestSinkDropsLinesAfterFinalFlushFails(t *testing.T) {
	logs := &failingLogs{fails: 1 << 30}
	sink := NewSink(logs, nil)

	lines := make([]string, 1000)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("api:%d", i)
		sink.Append(id, models.PhaseBuild, lines)
		if err := sink.Flush(context.Background(), id); err == nil {
			t.Fatalf("Flush(%s): expected an error", id)
		}
	}

	if n := sink.Pending(); n != 0 {
		t.Errorf("Pending = %d after final flushes, want 0", n)
	}
	if n := sink.Dropped(); n != 3000 {
		t.Errorf("Dropped = %d, want 3000", n)
	}
	sink.flushAll()
	if logs.fails != 1<<30-3 {
		t.Errorf("store was retried after the final flush: %d attempts", 1<<30-logs.fails)
	}
}

func TestSinkCapsPendingLinesPerBuild(t *testing.T) {
	logs := &failingLogs{fails: 1 << 30}
	sink := NewSink(logs, nil, WithMaxPending(10), WithBatchSize(1000))

	for i := 0; i < 25; i++ {
		sink.Append("api:1", models.PhaseBuild, []string{fmt.Sprintf("line %d", i)})
		if i%5 == 4 {
			sink.write(context.Background(), "api:1")
		}
	}

	if n := sink.Pending(); n != 10 {
		t.Errorf("Pending = %d, want 10", n)
	}
	if n := sink.Dropped(); n != 15 {
		t.Errorf("Dropped = %d, want 15", n)
	}
	sink.mu.Lock()
	oldest := sink.pending["api:1"][0].Message
	sink.mu.Unlock()
	if oldest != "line 15" {
		t.Errorf("oldest kept line = %q, want the newest lines kept", oldest)
	}
}

func TestTailKeepsNewestLines(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tail never exceeds its limit and ends with the newest line", prop.ForAll(
		func(limit, n int) bool {
			tl := newTail(limit)
			for i := 0; i < n; i++ {
				tl.add([]*models.LogEntry{{Message: fmt.Sprint(i)}})
			}
			got := tl.last(0)
			if len(got) > limit {
				return false
			}
			if n == 0 {
				return len(got) == 0
			}
			return got[len(got)-1].Message == fmt.Sprint(n-1)
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 300),
	))

	properties.TestingRun(t)
}
