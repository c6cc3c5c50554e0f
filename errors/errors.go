package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDecode      Phase = "decode"       // bytes to class model
	PhaseEncode      Phase = "encode"       // class model to bytes
	PhaseLoad        Phase = "load"         // reading input
	PhaseLabel       Phase = "label"        // call-site labeling
	PhasePreOffsets  Phase = "pre-offsets"  // offsets before rewrite
	PhaseInstrument  Phase = "instrument"   // state-machine rewrite
	PhaseVerify      Phase = "verify"       // structural verification
	PhasePostOffsets Phase = "post-offsets" // offsets after rewrite
	PhaseClassify    Phase = "classify"     // suspendable classification
	PhaseDiagnostic  Phase = "diagnostic"   // snapshot dumps
	PhaseStore       Phase = "store"        // AOT store
	PhaseParse       Phase = "parse"        // assembler / list files
)

// Kind categorizes the error
type Kind string

const (
	KindClassification Kind = "classification"
	KindRewrite        Kind = "rewrite"
	KindInconsistent   Kind = "inconsistent"
	KindIO             Kind = "io"
	KindInvalidData    Kind = "invalid_data"
	KindUnsupported    Kind = "unsupported"
	KindVerify         Kind = "verify"
	KindNotFound       Kind = "not_found"
	KindInvalidInput   Kind = "invalid_input"
	KindOutOfBounds    Kind = "out_of_bounds"
)

// Error is the structured error type used throughout the instrumentor
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Class  string
	Method string
	Detail string
	Offset int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Class != "" {
		b.WriteString(" in ")
		b.WriteString(e.Class)
		if e.Method != "" {
			b.WriteByte('.')
			b.WriteString(e.Method)
		}
	}

	if e.Offset > 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Class sets the class being processed
func (b *Builder) Class(name string) *Builder {
	b.err.Class = name
	return b
}

// Method sets the method signature being processed
func (b *Builder) Method(sig string) *Builder {
	b.err.Method = sig
	return b
}

// Offset sets the byte offset inside the method body
func (b *Builder) Offset(off int) *Builder {
	b.err.Offset = off
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Classification creates an error for a classifier that could not decide
func Classification(class, method string, cause error) *Error {
	return &Error{
		Phase:  PhaseClassify,
		Kind:   KindClassification,
		Class:  class,
		Method: method,
		Cause:  cause,
	}
}

// Rewrite creates a state-machine rewrite failure
func Rewrite(class, method string, cause error) *Error {
	return &Error{
		Phase:  PhaseInstrument,
		Kind:   KindRewrite,
		Class:  class,
		Method: method,
		Cause:  cause,
	}
}

// Inconsistent creates an internal consistency fault
func Inconsistent(phase Phase, class, method, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInconsistent,
		Class:  class,
		Method: method,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// NotFound creates a lookup failure
func NotFound(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s not found", what),
	}
}

// IO wraps an I/O failure
func IO(phase Phase, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Sentinels for errors.Is checks against phase and kind only.
var (
	ErrClassification = &Error{Phase: PhaseClassify, Kind: KindClassification}
	ErrRewrite        = &Error{Phase: PhaseInstrument, Kind: KindRewrite}
	ErrDiagnostic     = &Error{Phase: PhaseDiagnostic, Kind: KindIO}
)

// IsInconsistent reports whether err is an internal consistency fault in any phase.
func IsInconsistent(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindInconsistent {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
