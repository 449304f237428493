package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoServerURL           = errors.New("no server URL provided")
	ErrNoDevice              = errors.New("no audio device provided")
	ErrNoSink                = errors.New("no sink provided")
	ErrNoOutput              = errors.New("no audio output provided")
	ErrSessionDisposed       = errors.New("session disposed")
	ErrStartInterrupted      = errors.New("recording start interrupted")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrEmptyPayload          = errors.New("empty audio payload")
	ErrInvalidBase64         = errors.New("invalid base64 payload")
	ErrTrackerNotInitialized = errors.New("tracker not initialized")
	ErrTrackerAlreadyRunning = errors.New("tracker already running")
	ErrNoBaseURL             = errors.New("no base URL provided")
	ErrInvalidDate           = errors.New("invalid date, use YYYY-MM-DD")
	ErrPastDate              = errors.New("cannot check availability for past dates")
	ErrUnexpectedStatus      = errors.New("unexpected status code")
)

// ConnectionError is returned when the transport fails to open or the
// handshake times out.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MicrophoneError reports denied permission or an unavailable capture device.
type MicrophoneError struct {
	Err error
}

func (e *MicrophoneError) Error() string {
	return e.Err.Error()
}

func (e *MicrophoneError) Unwrap() error {
	return e.Err
}

// DecodeError reports an inbound audio chunk that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decoding audio: " + e.Reason
	}
	return fmt.Sprintf("decoding audio: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an inbound message that does not match the wire
// contract.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
