package session

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// Connect places an outgoing call carrying streams, sending the
// initial INVITE built from their offers (spec.md §4.2). Only legal
// from StateNull.
func (s *Session) Connect(ctx context.Context, from, to sip.Uri, route []sip.Uri, contact sip.ContactHeader, creds *invitation.Credentials, streams []stream.MediaStream) error {
	result, err := s.enqueue(opConnect, connectArgs{ctx: ctx, from: from, to: to, route: route, contact: contact, creds: creds, streams: streams}, StateNull)
	if err != nil {
		return err
	}
	return <-result
}

// Accept answers an incoming invitation with the chosen subset of
// NewIncoming's candidate streams (nil accepts all of them). Only
// legal from StateIncoming.
func (s *Session) Accept(ctx context.Context, streams []stream.MediaStream) error {
	result, err := s.enqueue(opAccept, acceptArgs{ctx: ctx, streams: streams}, StateIncoming)
	if err != nil {
		return err
	}
	return <-result
}

// Reject declines an incoming invitation with the given SIP status
// code (486 if code is 0). Only legal from StateIncoming.
func (s *Session) Reject(code int, reason string) error {
	result, err := s.enqueue(opReject, rejectArgs{code: code, reason: reason}, StateIncoming)
	if err != nil {
		return err
	}
	return <-result
}

// End terminates the Session from any non-terminal state (spec.md
// §4.7): it ends every owned stream, sends BYE/CANCEL/an error
// response as appropriate, and transitions to Terminated.
func (s *Session) End(reason string) error {
	result, err := s.enqueue(opEnd, endArgs{reason: reason},
		StateOutgoing, StateConnecting, StateIncoming, StateAccepting,
		StateConnected, StateReceivedProposal, StateAcceptingProposal, StateSendingProposal)
	if err != nil {
		return err
	}
	return <-result
}

// Hold places every stream on local hold via a re-INVITE (spec.md
// §4.6). Only legal once Connected and idle.
func (s *Session) Hold() error {
	result, err := s.enqueue(opHold, nil, StateConnected)
	if err != nil {
		return err
	}
	return <-result
}

// Unhold reverses Hold.
func (s *Session) Unhold() error {
	result, err := s.enqueue(opUnhold, nil, StateConnected)
	if err != nil {
		return err
	}
	return <-result
}

// AddStream proposes one new media stream via a re-INVITE (spec.md
// §4.5's add_stream). Only legal once Connected and idle.
func (s *Session) AddStream(ctx context.Context, ms stream.MediaStream) error {
	result, err := s.enqueue(opAddStream, addStreamArgs{ctx: ctx, stream: ms}, StateConnected)
	if err != nil {
		return err
	}
	return <-result
}

// RemoveStream proposes dropping the stream at index via a
// re-INVITE. Only legal once Connected and idle.
func (s *Session) RemoveStream(ctx context.Context, index int) error {
	result, err := s.enqueue(opRemoveStream, removeStreamArgs{ctx: ctx, index: index}, StateConnected)
	if err != nil {
		return err
	}
	return <-result
}

// AcceptProposal accepts a peer's mid-dialog proposal, choosing the
// subset of GotProposal's candidate streams to keep (nil accepts all
// of them). Only legal from StateReceivedProposal.
func (s *Session) AcceptProposal(ctx context.Context, streams []stream.MediaStream) error {
	result, err := s.enqueue(opAcceptProposal, acceptProposalArgs{ctx: ctx, streams: streams}, StateReceivedProposal)
	if err != nil {
		return err
	}
	return <-result
}

// RejectProposal declines a peer's mid-dialog proposal with the given
// SIP status code (488 if code is 0). Only legal from
// StateReceivedProposal.
func (s *Session) RejectProposal(code int, reason string) error {
	result, err := s.enqueue(opRejectProposal, rejectProposalArgs{code: code, reason: reason}, StateReceivedProposal)
	if err != nil {
		return err
	}
	return <-result
}
