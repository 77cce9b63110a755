package cascade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// Kind classifies engine errors.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSequence    Kind = "sequence"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindNotOwner    Kind = "not_owner"
	KindPersistence Kind = "persistence"
)

var (
	ErrTransactionOpen    = errors.New("a transaction is already open in this scope")
	ErrDuplicatePreflight = errors.New("transaction already has a PREFLIGHT")
	ErrNoPreflight        = errors.New("PREFLIGHT has not been submitted")
	ErrNoPostflight       = errors.New("POSTFLIGHT has not been submitted")
	ErrOutOfOrder         = errors.New("phase submitted out of order")
	ErrTransactionClosed  = errors.New("transaction is closed")
	ErrSessionEnded       = errors.New("session has ended")
	ErrNotOwner           = errors.New("transaction is owned by another instance")
	ErrInvalidPhase       = errors.New("phase cannot be submitted")
	ErrMissingField       = errors.New("required field missing")
)

// Error carries enough context to diagnose a failed operation.
type Error struct {
	Kind          Kind
	TransactionID string
	Phase         store.Phase
	Vector        vector.Vector
	Err           error
}

func (e *Error) Error() string {
	var ctx []string
	if e.TransactionID != "" {
		ctx = append(ctx, "transaction "+e.TransactionID)
	}
	if e.Phase != "" {
		ctx = append(ctx, "phase "+string(e.Phase))
	}
	if e.Vector != "" {
		ctx = append(ctx, "vector "+string(e.Vector))
	}
	msg := "cascade: " + string(e.Kind) + " error"
	if len(ctx) > 0 {
		msg += " (" + strings.Join(ctx, ", ") + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an engine error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, txID string, phase store.Phase, err error) *Error {
	return &Error{Kind: kind, TransactionID: txID, Phase: phase, Err: err}
}

// storeError classifies a store or resolver error.
func storeError(txID string, phase store.Phase, err error) *Error {
	var verr *vector.ValidationError
	switch {
	case errors.As(err, &verr):
		return &Error{Kind: KindValidation, TransactionID: txID, Phase: phase, Vector: verr.Vector, Err: err}
	case errors.Is(err, store.ErrConflict):
		return newError(KindConflict, txID, phase, err)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, instance.ErrNotFound):
		return newError(KindNotFound, txID, phase, err)
	}
	return newError(KindPersistence, txID, phase, err)
}

func sequenceError(txID string, phase store.Phase, err error, format string, args ...any) *Error {
	if format != "" {
		err = fmt.Errorf(format+": %w", append(args, err)...)
	}
	return newError(KindSequence, txID, phase, err)
}
