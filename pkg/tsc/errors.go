package tsc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionPoolClosed is returned when a connection pool shutdown has been triggered.
	// You can check for this error with errors.Is.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrDuplicateConnection is returned by AddConnection when the identity is already
	// present in the pool. The existing connection is updated in place and returned.
	ErrDuplicateConnection = errors.New("connection identity already present in pool")

	// ErrNoLivingConnections is returned when the pool has no connections at all,
	// dead or alive, so not even a resurrection attempt is possible.
	ErrNoLivingConnections = errors.New("no living connections available in pool")

	// ErrRequestAborted is returned when the caller aborted the request before or
	// during an attempt. No further network activity occurs after abort is observed.
	ErrRequestAborted = errors.New("request aborted by caller")
)

// ConfigurationError indicates an invalid request descriptor or configuration value.
// It is fatal and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// SerializationError indicates a body that could not be encoded or decoded.
// It is fatal and never retried - a malformed payload will not succeed on retry.
type SerializationError struct {
	Operation string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ConnectionError indicates a network-level failure (refused, reset, DNS failure)
// against a specific node. The transport retries these up to policy and marks the
// connection dead.
type ConnectionError struct {
	Node string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error against %s: %v", e.Node, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an attempt exceeded its per-attempt deadline. The transport
// retries these up to policy and marks the connection dead.
type TimeoutError struct {
	Node string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out: %v", e.Node, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// SniffError indicates topology discovery failed - either no connection was available
// or the discovery response could not be parsed. The pool is left unchanged.
type SniffError struct {
	Reason string
	Err    error
}

func (e *SniffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sniff failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sniff failed: %s", e.Reason)
}

func (e *SniffError) Unwrap() error {
	return e.Err
}

// TransportError is the terminal failure surfaced after the retry policy is
// exhausted. It always carries the terminating cause and the attempt count.
type TransportError struct {
	Attempts int32
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseError represents a valid HTTP error status returned by the cluster. It is
// carried on the ResponseEnvelope as data, not surfaced as a transport fault, unless
// the caller opts in via ResponseEnvelope.Err.
type ResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, string(e.Body))
}
