package routing

import (
	"errors"
	"fmt"
)

// Kind classifies routing failures so callers can tell a systemic outage from
// a commuter that simply has no route.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoRoute
	KindTransport
	KindEngine
)

func (k Kind) String() string {
	switch k {
	case KindNoRoute:
		return "no_route"
	case KindTransport:
		return "transport"
	case KindEngine:
		return "engine"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoRoute is wrapped by every no-route result.
var ErrNoRoute = errors.New("no route found")

func noRoute(op string) error {
	return &Error{Kind: KindNoRoute, Op: op, Err: ErrNoRoute}
}

func transportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func engineError(op string, err error) error {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindEngine {
		return err
	}
	return &Error{Kind: KindEngine, Op: op, Err: err}
}

// KindOf returns the kind of the first routing error in the chain.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

func IsNoRoute(err error) bool {
	return KindOf(err) == KindNoRoute || errors.Is(err, ErrNoRoute)
}
