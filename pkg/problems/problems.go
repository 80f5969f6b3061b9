package problems

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the ingest pipeline reacts to it.
type Kind string

const (
	// Auth: assertion signing or token exchange failed; the tenant is left unsubscribed.
	Auth Kind = "auth"
	// Store: checkpoint or delivery record read/write failed; processing continues.
	Store Kind = "store"
	// Data: an inbound event is missing required fields; the event is dropped.
	Data Kind = "data"
	// Dispatch: the worker was unreachable or answered non-2xx; no retry.
	Dispatch Kind = "dispatch"
	// Parse: connection info from the directory or control channel is malformed.
	Parse Kind = "parse"
)

// Problem is a per-tenant failure. It never escapes the tenant's own goroutine;
// callers log it and, where relevant, emit a notification.
type Problem struct {
	Kind   Kind
	Tenant string
	Op     string
	Err    error
}

func (p *Problem) Error() string {
	msg := string(p.Kind) + " error"
	if p.Op != "" {
		msg += " in " + p.Op
	}
	if p.Tenant != "" {
		msg += " (tenant " + p.Tenant + ")"
	}
	if p.Err != nil {
		msg += ": " + p.Err.Error()
	}
	return msg
}

func (p *Problem) Unwrap() error { return p.Err }

// New wraps err as a Problem of the given kind.
func New(kind Kind, tenant, op string, err error) error {
	return &Problem{Kind: kind, Tenant: tenant, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, tenant, op, format string, args ...any) error {
	return &Problem{Kind: kind, Tenant: tenant, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the first Problem in err's chain, or "" if none.
func KindOf(err error) Kind {
	var p *Problem
	if errors.As(err, &p) {
		return p.Kind
	}
	return ""
}

// Is reports whether err carries a Problem of kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }
