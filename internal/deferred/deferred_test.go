package deferred

import (
	"context"
	"testing"

	"github.com/quereus/quereus/internal/value"
)

func ticket(name string) Ticket {
	return Ticket{
		Table:          "main.widgets",
		ConstraintName: name,
		Row:            value.Row{value.Integer(1)},
		Evaluate:       func(context.Context) (bool, error) { return true, nil },
	}
}

func TestDrainReturnsAllAndClears(t *testing.T) {
	q := New()
	q.Add(ticket("c1"))
	q.Add(ticket("c2"))

	got := q.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(got))
	}
	if q.Len() != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestRollbackToSavepointDiscardsTickets(t *testing.T) {
	q := New()
	q.Add(ticket("kept"))
	sp := q.CreateSavepoint()
	q.Add(ticket("discarded"))

	if err := q.RollbackToSavepoint(sp); err != nil {
		t.Fatal(err)
	}
	got := q.Drain()
	if len(got) != 1 || got[0].ConstraintName != "kept" {
		t.Fatalf("expected only 'kept' to survive, got %v", got)
	}
}

func TestReleaseSavepointKeepsTickets(t *testing.T) {
	q := New()
	sp := q.CreateSavepoint()
	q.Add(ticket("a"))
	if err := q.ReleaseSavepoint(sp); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected released ticket to survive, got %d", q.Len())
	}
}
