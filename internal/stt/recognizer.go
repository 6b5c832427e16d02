package stt

import (
	"context"
	"errors"
	"fmt"
)

// Tier names used in logs, metrics and bus messages.
const (
	TierLocal      = "local"
	TierCloud      = "cloud"
	TierSimulation = "simulation"
)

var (
	// ErrBackendUnavailable marks a backend whose dependency (service,
	// network, credential) could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendError marks a backend that answered with an error or a
	// malformed response.
	ErrBackendError = errors.New("backend error")
)

// Audio is one batch of client audio handed to a recognizer.
type Audio struct {
	SessionID string
	Data      []byte
	// MimeType is the container declared by the client. Empty means the
	// browser default (webm).
	MimeType string
}

// Result captures recognizer output. Empty Text means no speech was detected.
type Result struct {
	Text string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (Result, error)
}

// Kind classifies a backend failure.
type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// BackendFailure is returned by recognizers when a tier cannot produce a result.
type BackendFailure struct {
	Tier string
	Kind Kind
	Err  error
}

func (f *BackendFailure) Error() string {
	return fmt.Sprintf("%s tier %s: %v", f.Tier, f.Kind, f.Err)
}

func (f *BackendFailure) Unwrap() []error {
	sentinel := ErrBackendError
	if f.Kind == KindUnavailable {
		sentinel = ErrBackendUnavailable
	}
	return []error{sentinel, f.Err}
}

func unavailable(tier string, err error) error {
	return &BackendFailure{Tier: tier, Kind: KindUnavailable, Err: err}
}

func failed(tier string, err error) error {
	return &BackendFailure{Tier: tier, Kind: KindError, Err: err}
}

// KindOf reports the failure kind carried by err. Deadline and cancellation
// errors count as unavailability; anything unclassified is a backend error.
func KindOf(err error) Kind {
	var failure *BackendFailure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindError
}

func asFailure(tier string, err error) error {
	var failure *BackendFailure
	if errors.As(err, &failure) {
		return err
	}
	return &BackendFailure{Tier: tier, Kind: KindOf(err), Err: err}
}
