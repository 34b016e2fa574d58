package codec

import (
	"errors"
	"strings"

	"github.com/caffeineduck/webpbox/sandbox"
)

// Kind categorizes a codec failure.
type Kind string

const (
	KindFormatMismatch  Kind = "format_mismatch"
	KindFeatureParse    Kind = "feature_parse_failure"
	KindAllocation      Kind = "allocation_failure"
	KindDecode          Kind = "decode_failure"
	KindEncode          Kind = "encode_failure"
	KindMuxAssembly     Kind = "mux_assembly_failure"
	KindFileIO          Kind = "file_io_failure"
	KindDimensionLimit  Kind = "dimension_limit_exceeded"
	KindDomainCreation  Kind = "domain_creation_failure"
	KindInvalidArgument Kind = "invalid_argument"
)

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrFormatMismatch  = &Error{Kind: KindFormatMismatch}
	ErrFeatureParse    = &Error{Kind: KindFeatureParse}
	ErrAllocation      = &Error{Kind: KindAllocation}
	ErrDecode          = &Error{Kind: KindDecode}
	ErrEncode          = &Error{Kind: KindEncode}
	ErrMuxAssembly     = &Error{Kind: KindMuxAssembly}
	ErrFileIO          = &Error{Kind: KindFileIO}
	ErrDimensionLimit  = &Error{Kind: KindDimensionLimit}
	ErrDomainCreation  = &Error{Kind: KindDomainCreation}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// Error is returned by every Driver operation.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("webp")
	if e.Op != "" {
		b.WriteByte(' ')
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		b.WriteByte(' ')
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
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

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind. A target with an Op set
// only matches that operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the codec error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op string, cause error, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Cause: cause}
}

// trapDetail names a domain fault when cause is one.
func trapDetail(cause error, detail string) string {
	if errors.Is(cause, sandbox.ErrTrap) {
		return detail + ": codec trapped"
	}
	return detail
}
