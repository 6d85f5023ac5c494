package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is one of the eleven states of spec.md §4.1.
type State string

const (
	StateNull               State = "null"
	StateOutgoing           State = "outgoing"
	StateConnecting         State = "connecting"
	StateIncoming           State = "incoming"
	StateAccepting          State = "accepting"
	StateConnected          State = "connected"
	StateReceivedProposal   State = "received_proposal"
	StateAcceptingProposal  State = "accepting_proposal"
	StateSendingProposal    State = "sending_proposal"
	StateTerminating        State = "terminating"
	StateTerminated         State = "terminated"
)

// Event names driving the FSM, one per spec.md §4.1 transition.
const (
	evConnect           = "connect"
	evIncomingInvite    = "incoming_invite"
	evAccept            = "accept"
	evReject            = "reject"
	evAnswered          = "answered"      // outgoing/connecting/accepting -> connected
	evPeerReinvite      = "peer_reinvite" // connected -> received_proposal
	evAcceptProposal    = "accept_proposal"
	evProposalSettled   = "proposal_settled" // accepting_proposal -> connected
	evRejectProposal    = "reject_proposal"  // received_proposal -> connected
	evSendProposal      = "send_proposal"    // connected -> sending_proposal
	evProposalDone      = "proposal_done"    // sending_proposal -> connected
	evEnd               = "end"
	evTerminated        = "terminated"
)

// newFSM builds the looplab/fsm machine for spec.md §4.1's transition
// table, grounded on arzzra-soft_phone/pkg/dialog/dialog.go's initFSM
// (named events, Src/Dst lists, after_event callback), generalized
// from 6 dialog states/9 events to the Session's 11 states.
func newFSM(onTransition func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateNull),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateNull)}, Dst: string(StateOutgoing)},
			{Name: evIncomingInvite, Src: []string{string(StateNull)}, Dst: string(StateIncoming)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateAccepting)},
			{Name: evReject, Src: []string{string(StateIncoming)}, Dst: string(StateTerminating)},
			{Name: evAnswered, Src: []string{string(StateOutgoing), string(StateConnecting), string(StateAccepting)}, Dst: string(StateConnected)},
			{Name: evPeerReinvite, Src: []string{string(StateConnected)}, Dst: string(StateReceivedProposal)},
			{Name: evAcceptProposal, Src: []string{string(StateReceivedProposal)}, Dst: string(StateAcceptingProposal)},
			{Name: evProposalSettled, Src: []string{string(StateAcceptingProposal)}, Dst: string(StateConnected)},
			{Name: evRejectProposal, Src: []string{string(StateReceivedProposal)}, Dst: string(StateConnected)},
			{Name: evSendProposal, Src: []string{string(StateConnected)}, Dst: string(StateSendingProposal)},
			{Name: evProposalDone, Src: []string{string(StateSendingProposal)}, Dst: string(StateConnected)},
			{Name: evEnd, Src: []string{
				string(StateOutgoing), string(StateConnecting), string(StateIncoming), string(StateAccepting),
				string(StateConnected), string(StateReceivedProposal), string(StateAcceptingProposal), string(StateSendingProposal),
			}, Dst: string(StateTerminating)},
			{Name: evTerminated, Src: []string{
				string(StateNull), string(StateOutgoing), string(StateConnecting), string(StateIncoming), string(StateAccepting),
				string(StateConnected), string(StateReceivedProposal), string(StateAcceptingProposal), string(StateSendingProposal),
				string(StateTerminating),
			}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				onTransition(State(e.Src), State(e.Dst))
			},
		},
	)
}
