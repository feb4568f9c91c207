package economy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Saga sequences the steps of a cross-entity transfer (actor, island owner,
// treasury) and reverses the completed ones when a later step fails.
type Saga struct {
	name    string
	journal Journal
	undos   []undoStep
}

type undoStep struct {
	name string
	fn   func(context.Context) error
}

// NewSaga starts a saga. journal may be nil; fatal inconsistencies are then
// only logged.
func NewSaga(name string, journal Journal) *Saga {
	return &Saga{name: name, journal: journal}
}

// Do runs a step and, on success, remembers its undo (which may be nil).
func (s *Saga) Do(ctx context.Context, step string, do, undo func(context.Context) error) error {
	if err := do(ctx); err != nil {
		return err
	}
	if undo != nil {
		s.undos = append(s.undos, undoStep{name: step, fn: undo})
	}
	return nil
}

// Compensate reverses completed steps newest first. An undo that fails leaves
// a partial transfer behind; it is logged and written to the journal for
// manual reconciliation. Returns the number of undos that failed.
func (s *Saga) Compensate(ctx context.Context, cause error) int {
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for i := len(s.undos) - 1; i >= 0; i-- {
		u := s.undos[i]
		if err := u.fn(ctx); err != nil {
			failed++
			slog.Error("fatal inconsistency: compensation failed",
				"saga", s.name, "step", u.name, "cause", cause, "error", err)
			s.record(Entry{
				Kind:      KindFatal,
				Saga:      s.name,
				Step:      u.name,
				Cause:     errString(cause),
				UndoError: err.Error(),
			})
			continue
		}
		slog.Warn("compensated step", "saga", s.name, "step", u.name, "cause", cause)
		s.record(Entry{Kind: KindCompensated, Saga: s.name, Step: u.name, Cause: errString(cause)})
	}
	s.undos = nil
	return failed
}

// Commit forgets the registered undos once the saga has fully succeeded.
func (s *Saga) Commit() {
	s.undos = nil
}

func (s *Saga) record(e Entry) {
	if s.journal == nil {
		return
	}
	e.ID = uuid.NewString()
	e.At = time.Now().UTC()
	if err := s.journal.Record(e); err != nil {
		slog.Error("journal write failed", "saga", s.name, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
