package session

import "github.com/arzzra/sipsession/pkg/sipcore/stream"

// Topic names for every notification spec.md §6 lists. Each is
// published with SenderID set to the originating Session's ID.
const (
	TopicNewIncoming           = "session.new_incoming"
	TopicNewOutgoing           = "session.new_outgoing"
	TopicGotRingIndication     = "session.got_ring_indication"
	TopicWillStart             = "session.will_start"
	TopicDidStart              = "session.did_start"
	TopicDidFail               = "session.did_fail"
	TopicWillEnd               = "session.will_end"
	TopicDidEnd                = "session.did_end"
	TopicGotProposal           = "session.got_proposal"
	TopicGotAcceptProposal     = "session.got_accept_proposal"
	TopicGotRejectProposal     = "session.got_reject_proposal"
	TopicHadProposalFailure    = "session.had_proposal_failure"
	TopicDidChangeHoldState    = "session.did_change_hold_state"
	TopicDidRenegotiateStreams = "session.did_renegotiate_streams"
	TopicDidProcessTransaction = "session.did_process_transaction"
)

// Originator values used throughout the notification payloads.
const (
	OriginatorLocal  = "local"
	OriginatorRemote = "remote"
)

type NewIncoming struct{ Streams []stream.MediaStream }
type NewOutgoing struct{ Streams []stream.MediaStream }
type GotRingIndication struct{}
type WillStart struct{}
type DidStart struct{ Streams []stream.MediaStream }
type DidFail struct {
	Originator    string
	Code          int
	Reason        string
	FailureReason string
}
type WillEnd struct{ Originator string }
type DidEnd struct {
	Originator string
	EndReason  string
}
type GotProposal struct {
	Originator string
	Streams    []stream.MediaStream
}
type GotAcceptProposal struct {
	Originator string
	Streams    []stream.MediaStream
}
type GotRejectProposal struct {
	Originator string
	Code       int
	Reason     string
	Streams    []stream.MediaStream
}
type HadProposalFailure struct {
	Originator string
	Reason     string
	Streams    []stream.MediaStream
}
type DidChangeHoldState struct {
	Originator string
	OnHold     bool
	Partial    bool
}

const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

type DidRenegotiateStreams struct {
	Originator string
	Action     string
	Streams    []stream.MediaStream
}
type DidProcessTransaction struct {
	Originator string
	Method     string
	Code       int
	Reason     string
	AckReceived *bool
}
