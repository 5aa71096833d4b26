package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a missing chunk or parent where the caller requires one.
	ErrNotFound = errors.New("knowledge: not found")
	// ErrValidation marks malformed input; never retried.
	ErrValidation = errors.New("knowledge: validation error")
	// ErrDependency marks a failing embedding gateway or storage backend.
	ErrDependency = errors.New("knowledge: dependency error")
	// ErrDimensionMismatch is the fatal vector length mismatch.
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", ErrValidation)
)

// Error carries the operation and parent id along with the cause.
type Error struct {
	Kind     error
	Op       string
	ParentID string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ParentID != "" {
		b.WriteString(" [parent ")
		b.WriteString(e.ParentID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NewValidationError(op, parentID, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, ParentID: parentID, Err: errors.New(msg)}
}

// NewDependencyError wraps err unless it already carries a taxonomy kind.
func NewDependencyError(op, parentID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrDependency) {
		return &Error{Op: op, ParentID: parentID, Err: err}
	}
	return &Error{Kind: ErrDependency, Op: op, ParentID: parentID, Err: err}
}

// DimensionMismatch reports a vector of the wrong length.
func DimensionMismatch(op string, got, want int) error {
	return &Error{
		Kind: ErrDimensionMismatch,
		Op:   op,
		Err:  fmt.Errorf("got %d want %d", got, want),
	}
}

// ParentFailure records one failed parent in a multi-parent run.
type ParentFailure struct {
	ParentID string
	Err      error
}

// PartialFailure aggregates per-parent failures of a multi-parent run.
type PartialFailure struct {
	Attempted int
	Failures  []ParentFailure
}

func (p *PartialFailure) Error() string {
	ids := make([]string, len(p.Failures))
	for i := range p.Failures {
		ids[i] = p.Failures[i].ParentID
	}
	return fmt.Sprintf(
		"knowledge: %d of %d parents failed: %s",
		len(p.Failures),
		p.Attempted,
		strings.Join(ids, ", "),
	)
}

func (p *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(p.Failures))
	for i := range p.Failures {
		out = append(out, p.Failures[i].Err)
	}
	return out
}
