package memory

import (
	"context"
	"testing"

	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	b := storetest.Build("p", 1)
	if err := s.Builds().Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	b.Phases[0].PhaseType = "MUTATED"

	got, _ := s.Builds().Get(ctx, b.ID)
	got.Phases = nil

	again, _ := s.Builds().Get(ctx, b.ID)
	if len(again.Phases) != 2 || again.Phases[0].PhaseType == "MUTATED" {
		t.Errorf("store shares memory with callers: %+v", again.Phases)
	}
}
