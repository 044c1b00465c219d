package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing is returned when no bearer credential is available.
	ErrAuthMissing = errors.New("auth credential missing")

	// ErrUnauthorized is returned when the broker or backend rejects the credential.
	// It is terminal for a connection attempt: no automatic retry follows.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransport covers connection drops, handshake errors and protocol error frames.
	ErrTransport = errors.New("transport failure")

	// ErrNotConnected is returned by Publish when no live session exists.
	ErrNotConnected = errors.New("not connected")

	// ErrUpload is returned when an attachment could not be uploaded.
	ErrUpload = errors.New("upload failed")

	// ErrSend is returned when neither delivery path accepted a message.
	ErrSend = errors.New("send failed")

	// ErrClosed is returned by operations on a closed Client or Conversation.
	ErrClosed = errors.New("closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above when applicable; Msg must not carry credentials.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsAuthMissing reports whether err represents ErrAuthMissing.
func IsAuthMissing(err error) bool { return errors.Is(err, ErrAuthMissing) }

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
