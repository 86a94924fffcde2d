// Package borrow implements the aliasing-control state machine that gates
// access to a cached record: at most one writer, or any number of readers,
// never both, and nothing at all once the record is deleted.
//
// Conflicts fail immediately instead of blocking. The guard is not safe for
// concurrent use; it arbitrates logical aliasing within one goroutine.
package borrow

import (
	"fmt"

	"github.com/maruel/ormdb/internal/errors"
)

// State is the borrow state of a guard.
type State int

const (
	// Free means no borrow is outstanding.
	Free State = iota
	// Shared means one or more read borrows are outstanding.
	Shared
	// Exclusive means one write borrow is outstanding.
	Exclusive
	// Deleted is terminal: the record was deleted.
	Deleted
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Guard is the per-record state machine. The zero value is Free.
type Guard struct {
	state   State
	readers int
}

// State returns the current state.
func (g *Guard) State() State {
	return g.state
}

// Readers returns the number of outstanding read borrows.
func (g *Guard) Readers() int {
	return g.readers
}

// AcquireShared takes a read borrow.
func (g *Guard) AcquireShared() error {
	switch g.state {
	case Free:
		g.state = Shared
		g.readers = 1
		return nil
	case Shared:
		g.readers++
		return nil
	case Exclusive:
		return conflict("already mutably borrowed")
	default:
		return useAfterDelete()
	}
}

// ReleaseShared returns a read borrow.
func (g *Guard) ReleaseShared() error {
	if g.state != Shared {
		return conflict(fmt.Sprintf("release of shared borrow while %s", g.state))
	}
	g.readers--
	if g.readers == 0 {
		g.state = Free
	}
	return nil
}

// AcquireExclusive takes the write borrow.
func (g *Guard) AcquireExclusive() error {
	switch g.state {
	case Free:
		g.state = Exclusive
		return nil
	case Shared:
		return conflict("already borrowed")
	case Exclusive:
		return conflict("already mutably borrowed")
	default:
		return useAfterDelete()
	}
}

// ReleaseExclusive returns the write borrow.
func (g *Guard) ReleaseExclusive() error {
	if g.state != Exclusive {
		return conflict(fmt.Sprintf("release of exclusive borrow while %s", g.state))
	}
	g.state = Free
	return nil
}

// MarkDeleted moves the guard to the terminal Deleted state. It is only legal
// while no borrow is outstanding.
func (g *Guard) MarkDeleted() error {
	switch g.state {
	case Free:
		g.state = Deleted
		return nil
	case Deleted:
		return useAfterDelete()
	default:
		return conflict("cannot delete a borrowed object")
	}
}

func conflict(msg string) *errors.Error {
	return errors.New(errors.KindBorrowConflict, msg)
}

func useAfterDelete() *errors.Error {
	return errors.New(errors.KindUseAfterDelete, "object was deleted")
}
