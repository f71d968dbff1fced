package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks a unit that observed its cancellation signal. It is
	// reported to the caller as a status notice, never as a failure.
	ErrCancelled = errors.New("processing cancelled")
	// ErrSessionClosed is returned by a Relay once the session's transport
	// is gone.
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already exists")
)

// TranscriptionError is an upstream speech-to-text failure.
type TranscriptionError struct {
	Backend string
	Err     error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription (%s): %v", e.Backend, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// SynthesisError is an upstream text-to-speech failure.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis (%s): %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
