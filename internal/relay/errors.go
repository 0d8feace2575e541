package relay

import "fmt"

// Kind classifies failures of the synchronous part of an exchange.
type Kind int

const (
	// KindValidation is a malformed or unresolvable request.
	KindValidation Kind = iota + 1
	// KindConfiguration is a server-side setup problem, such as a missing API key.
	KindConfiguration
	// KindPersistence is a database failure.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindPersistence:
		return "persistence"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by Start. Upstream connection failures are reported as
// *dify.ConnectionError instead.
type Error struct {
	Kind     Kind
	NotFound bool // a referenced app does not exist
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("relay: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}
