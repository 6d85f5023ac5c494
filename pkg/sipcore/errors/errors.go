// Package errors defines the sentinel and structured error types raised
// by the session core, in place of the teacher's JSON-tagged
// DialogError: the ambient context (call ID, state, timestamps) that
// struct carried belongs in the structured logger, not in the error
// value, so these stay small and check with errors.Is/errors.As.
package errors

import "fmt"

// Sentinel errors matching spec.md §7's failure kinds.
var (
	ErrInvalidState          = fmt.Errorf("sipcore: invalid state for operation")
	ErrSDPNegotiationFailed  = fmt.Errorf("sipcore: SDP negotiation failed")
	ErrMediaStreamFailed     = fmt.Errorf("sipcore: media stream failed")
	ErrInvitationFailed      = fmt.Errorf("sipcore: invitation failed")
	ErrNoAcceptableStreams   = fmt.Errorf("sipcore: no acceptable streams in offer")
	ErrMixedProposal         = fmt.Errorf("sipcore: re-INVITE mixes added and removed media")
	ErrOriginMismatch        = fmt.Errorf("sipcore: o= line does not match active session")
)

// StateError reports an attempted transition that spec.md §4.1 does
// not allow. It wraps ErrInvalidState so callers can use errors.Is.
type StateError struct {
	Op   string
	From string
	To   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sipcore: invalid state for %s: %s -> %s", e.Op, e.From, e.To)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NegotiationError reports an offer/answer failure, carrying the
// underlying reason text surfaced by the Invitation layer (spec.md
// §4.2 step 6, §7.3).
type NegotiationError struct {
	Reason string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("sipcore: SDP negotiation failed: %s", e.Reason)
}

func (e *NegotiationError) Unwrap() error { return ErrSDPNegotiationFailed }

// StreamError reports a MediaStream reporting MediaStreamDidFail
// (spec.md §7.2).
type StreamError struct {
	StreamID string
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("sipcore: media stream %s failed: %s", e.StreamID, e.Reason)
}

func (e *StreamError) Unwrap() error { return ErrMediaStreamFailed }
