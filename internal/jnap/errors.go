package jnap

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned (wrapped) when the router rejects the
// configured credentials. Callers should prompt for new credentials
// rather than retrying.
var ErrAuthentication = errors.New("jnap: router rejected credentials")

// TransportError reports that the router could not be reached or did
// not answer in time. The request may be retried on the next poll.
type TransportError struct {
	Action  string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("jnap %s: timed out: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("jnap %s: transport: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response the client could not interpret: a
// non-JSON body, a missing envelope field, or a JNAP error result other
// than an authorization failure.
type ProtocolError struct {
	Action string
	Result string // JNAP result code, when the router sent one
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Result != "" {
		return fmt.Sprintf("jnap %s: router returned %s: %v", e.Action, e.Result, e.Err)
	}
	return fmt.Sprintf("jnap %s: protocol: %v", e.Action, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Kind names the class of a router error for logs, metrics and the
// health endpoint. It returns "ok" for nil.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrAuthentication) {
		return "auth_error"
	}
	var te *TransportError
	if errors.As(err, &te) {
		return "transport_error"
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return "protocol_error"
	}
	return "error"
}
