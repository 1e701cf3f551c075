// Package failure normalizes errors from the network, the speech device and the
// realtime transport into a small set of kinds the conversation layer can act on.
package failure

import (
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
)

// Kind classifies a failure.
type Kind string

const (
	KindTransportUnavailable   Kind = "transport_unavailable"    // speech device or microphone missing/denied
	KindSessionBootstrapFailed Kind = "session_bootstrap_failed" // voice session/token creation or connect failed
	KindStaleTranscript        Kind = "stale_transcript"         // backend says the transcript is gone
	KindServerError            Kind = "server_error"             // opaque 5xx
	KindUnauthorized           Kind = "unauthorized"             // handled outside the conversation core
	KindNotFound               Kind = "not_found"
	KindBadRequest             Kind = "bad_request"
	KindNetwork                Kind = "network" // DNS, refused, timeout
)

// ErrUnsupportedCapability is returned when a speech device is not available.
var ErrUnsupportedCapability = errors.New("speech capture is not supported on this device")

// Error is the normalized error type. Message is safe to show to the user.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a normalized error with the default user message for kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: defaultMessage(kind), Err: err}
}

// Wrap classifies err under kind unless it already carries a kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(kind, op, err)
}

// KindOf returns the kind of err, or "" when err is not normalized.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the single line shown to the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		return defaultMessage(fe.Kind)
	}
	return defaultMessage(KindServerError)
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindTransportUnavailable:
		return "Microphone or speech recognition is not available."
	case KindSessionBootstrapFailed:
		return "Could not start the voice session. Please try again."
	case KindStaleTranscript:
		return "This conversation no longer exists. Please send your question again."
	case KindUnauthorized:
		return "Your session has expired. Please sign in again."
	case KindNotFound:
		return "The requested item was not found."
	case KindBadRequest:
		return "The request was rejected by the server."
	case KindNetwork:
		return "Could not reach the analytics service."
	default:
		return "Something went wrong while processing your request."
	}
}

// Report sends server-side and bootstrap failures to Sentry. Other kinds are
// expected user-facing conditions and are not reported.
func Report(err error, tags map[string]string) {
	switch KindOf(err) {
	case KindServerError, KindSessionBootstrapFailed, "":
	default:
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}
