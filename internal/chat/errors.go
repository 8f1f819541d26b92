package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyInput marks a submit that was blank after trimming. It is only ever
	// reported in Reply.Err; nothing is sent.
	ErrEmptyInput = errors.New("empty input")
	// ErrMalformedResponse is a 2xx response without a usable reply.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNotInitialized is returned by Submit before Initialize.
	ErrNotInitialized = errors.New("chat session not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("chat session already initialized")
)

// TransportError is a request that could not complete or came back non-2xx.
// Detail carries the backend's own error description when it sent one.
type TransportError struct {
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transport failure: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("transport failure: HTTP %d: %s", e.Status, e.Detail)
	default:
		return fmt.Sprintf("transport failure: HTTP %d %s", e.Status, http.StatusText(e.Status))
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
