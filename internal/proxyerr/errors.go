// Package proxyerr classifies proxy failures into a small set of kinds so
// callers can decide, without inspecting message text, whether a failure is
// client-visible, internally recoverable, or fatal at startup.
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind is one of a fixed taxonomy of proxy error categories.
type Kind int

const (
	// Unknown is the zero value; none of the classification helpers below
	// report true for an error carrying it.
	Unknown Kind = iota
	// ClientProtocol marks malformed packets, truncated handshakes, or a
	// client missing required capabilities.
	ClientProtocol
	// AuthDenied marks a backend ERR during handshake, change-user, or
	// plugin-switch.
	AuthDenied
	// NoBackend marks an unresolved tenant or a pool with no usable entries.
	NoBackend
	// BackendIO marks unexpected EOF, reset, or timeout on a borrowed entry.
	BackendIO
	// TopologyTransient marks a control-plane stream or HTTP refresh failure
	// that the topology/resolver machinery recovers from internally.
	TopologyTransient
	// ConfigFatal marks a startup-time configuration failure.
	ConfigFatal
)

func (k Kind) String() string {
	switch k {
	case ClientProtocol:
		return "client_protocol"
	case AuthDenied:
		return "auth_denied"
	case NoBackend:
		return "no_backend"
	case BackendIO:
		return "backend_io"
	case TopologyTransient:
		return "topology_transient"
	case ConfigFatal:
		return "config_fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind and operation name. Returns nil if err
// is nil, so it can be used as a direct return-statement wrapper.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

func IsClientProtocol(err error) bool      { return Is(err, ClientProtocol) }
func IsAuthDenied(err error) bool          { return Is(err, AuthDenied) }
func IsNoBackend(err error) bool           { return Is(err, NoBackend) }
func IsBackendIO(err error) bool           { return Is(err, BackendIO) }
func IsTopologyTransient(err error) bool   { return Is(err, TopologyTransient) }
func IsConfigFatal(err error) bool         { return Is(err, ConfigFatal) }
