package session

import (
	"context"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/sdputil"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// handleChangedState reacts to invitation.changed_state, the signal
// the Invitation adapter raises for every response/request it
// processes (spec.md §4.2-§4.4). Glare (spec.md §4.5, §9) is detected
// here: a remote re-INVITE arriving while the Session itself has a
// local proposal in flight.
func (s *Session) handleChangedState(cs invitation.ChangedState) {
	if cs.SubState == invitation.SubStateReceivedProposal && cs.Originator == "remote" {
		s.handlePeerReinviteArrived()
		return
	}

	switch cs.State {
	case invitation.StateEarly:
		if s.State() == StateOutgoing {
			s.publish(TopicGotRingIndication, GotRingIndication{})
		}
	case invitation.StateConnected:
		if cur := s.State(); cur == StateOutgoing || cur == StateConnecting {
			if err := s.fsmEvent(evAnswered); err != nil {
				s.logger.WithError(err).Warn("answered transition rejected")
			}
		}
	case invitation.StateDisconnected:
		s.handleRemoteDisconnect(cs)
	}
}

func (s *Session) handleRemoteDisconnect(cs invitation.ChangedState) {
	switch s.State() {
	case StateTerminating, StateTerminated:
		return
	}
	reason := cs.DisconnectReason
	if reason == "" {
		reason = cs.Reason
	}
	s.fail(OriginatorRemote, reason)
}

// handlePeerReinviteArrived resolves the race between a local proposal
// and an incoming one. If the Session is idle (Connected), the peer's
// proposal simply proceeds. If the Session already has a proposal of
// its own in flight, the local one loses: it is reported as failed
// with reason "glare" and the peer's proposal is processed instead.
// The abandoned local proposal is not retried.
func (s *Session) handlePeerReinviteArrived() {
	switch s.State() {
	case StateConnected:
		if err := s.fsmEvent(evPeerReinvite); err != nil {
			s.logger.WithError(err).Warn("peer reinvite transition rejected")
		}
	case StateSendingProposal:
		s.mu.Lock()
		s.proposedStreams = nil
		s.pendingAction = ""
		s.mu.Unlock()
		if err := s.fsmEvent(evProposalDone); err != nil {
			s.logger.WithError(err).Warn("glare: abandoning local proposal")
			return
		}
		s.publish(TopicHadProposalFailure, HadProposalFailure{Originator: OriginatorLocal, Reason: "glare"})
		if s.metrics != nil {
			s.metrics.ProposalOutcome(OriginatorLocal, "glare")
		}
		if err := s.fsmEvent(evPeerReinvite); err != nil {
			s.logger.WithError(err).Warn("peer reinvite transition rejected after glare")
		}
	default:
		s.logger.Warn("peer re-INVITE received outside a renegotiable state; ignoring")
	}
}

// handleGotSDPUpdate reacts to invitation.got_sdp_update. For a 2xx
// answer to our own INVITE/re-INVITE the Invitation adapter publishes
// SDP first and state second, so those negotiation outcomes are
// finalized here while the FSM is still in its pre-transition state.
// For a peer re-INVITE the adapter publishes the received_proposal
// state change first, so the offer is handled here in
// StateReceivedProposal.
func (s *Session) handleGotSDPUpdate(gu invitation.GotSDPUpdate) {
	if !gu.Succeeded {
		s.handleNegotiationFailed(gu)
		return
	}
	switch s.State() {
	case StateOutgoing, StateConnecting:
		s.completeOutgoingNegotiation(gu)
	case StateReceivedProposal:
		s.handleIncomingProposal(gu)
	case StateSendingProposal:
		s.completeLocalProposal(gu)
	}
}

func (s *Session) handleNegotiationFailed(gu invitation.GotSDPUpdate) {
	if s.metrics != nil {
		s.metrics.NegotiationFailed()
	}
	switch s.State() {
	case StateOutgoing, StateConnecting:
		s.fail(OriginatorRemote, gu.Error)
	case StateSendingProposal:
		s.mu.Lock()
		s.proposedStreams = nil
		s.pendingAction = ""
		s.mu.Unlock()
		if err := s.fsmEvent(evProposalDone); err != nil {
			s.logger.WithError(err).Warn("proposal-done transition rejected after negotiation failure")
			return
		}
		s.publish(TopicHadProposalFailure, HadProposalFailure{Originator: OriginatorLocal, Reason: gu.Error})
		if s.metrics != nil {
			s.metrics.ProposalOutcome(OriginatorLocal, "failed")
		}
	}
}

// completeOutgoingNegotiation starts every accepted stream against the
// answer the peer returned to our INVITE (spec.md §4.2 steps 6-8).
// A media line the peer zeroed out is a rejected stream and is
// dropped rather than started.
func (s *Session) completeOutgoingNegotiation(gu invitation.GotSDPUpdate) {
	s.mu.RLock()
	candidates := append([]stream.MediaStream{}, s.streams...)
	s.mu.RUnlock()

	started := make([]stream.MediaStream, 0, len(candidates))
	for i, ms := range candidates {
		if gu.RemoteSDP == nil || i >= len(gu.RemoteSDP.MediaDescriptions) {
			continue
		}
		if gu.RemoteSDP.MediaDescriptions[i].MediaName.Port.Value == 0 {
			continue // rejected by peer
		}
		if err := ms.Start(context.Background(), gu.LocalSDP, gu.RemoteSDP, i); err != nil {
			s.logger.WithError(err).Warn("stream failed to start")
			continue
		}
		started = append(started, ms)
	}

	s.mu.Lock()
	s.streams = started
	s.mu.Unlock()

	s.publish(TopicWillStart, WillStart{})
	s.publish(TopicDidStart, DidStart{Streams: started})
}

// handleIncomingProposal builds the candidate stream set for a peer
// re-INVITE and compares it against the active SDP to classify added
// and removed media lines (spec.md §4.4 steps 3-6), and recomputes
// remote-hold status (spec.md §4.6).
//
// A proposal that fails the o= line invariant or that mixes adds and
// removes in the same re-INVITE is rejected with 488 without ever
// reaching the caller (spec.md §4.4 steps 2, 3, 5). A remove-only
// proposal has nothing for the caller to choose between, so it is
// resolved automatically rather than left sitting in
// StateReceivedProposal waiting for AcceptProposal/RejectProposal,
// which only make sense when streams are being added (spec.md §4.4
// step 7).
func (s *Session) handleIncomingProposal(gu invitation.GotSDPUpdate) {
	active := s.invitation.ActiveLocalSDP()

	if prevRemote := s.invitation.ActiveRemoteSDP(); prevRemote != nil && !sdputil.OriginMatches(prevRemote, gu.RemoteSDP) {
		s.reject488("")
		return
	}

	added, removed := sdputil.AddedRemovedIndexes(active, gu.RemoteSDP)
	if len(added) > 0 && len(removed) > 0 {
		s.reject488("")
		return
	}
	if len(added) == 0 && len(removed) > 0 {
		s.handleRemoveOnlyProposal(gu.RemoteSDP, removed)
		return
	}

	var candidates []stream.MediaStream
	for _, idx := range added {
		if ms, ok := s.factory.FromOffer(gu.RemoteSDP, idx); ok {
			ms.SetIndex(idx)
			candidates = append(candidates, ms)
		}
	}

	s.mu.Lock()
	s.proposedStreams = candidates
	s.mu.Unlock()

	if !s.recomputeRemoteHold(gu.RemoteSDP) {
		return
	}
	s.publish(TopicGotProposal, GotProposal{Originator: OriginatorRemote, Streams: candidates})
}

// handleRemoveOnlyProposal answers a peer re-INVITE that only drops
// media lines: the dropped streams are ended, the answer mirrors the
// offer with their ports zeroed, and the Session returns straight to
// Connected (spec.md §4.4 step 7).
func (s *Session) handleRemoveOnlyProposal(remoteSDP *sdp.SessionDescription, removed []int) {
	removedSet := make(map[int]bool, len(removed))
	for _, idx := range removed {
		removedSet[idx] = true
	}

	s.mu.Lock()
	var ending []stream.MediaStream
	remaining := make([]stream.MediaStream, 0, len(s.streams))
	byIndex := make(map[int]sdputil.LocalMediaSource, len(s.streams))
	for _, ms := range s.streams {
		if removedSet[ms.Index()] {
			ending = append(ending, ms)
			continue
		}
		remaining = append(remaining, ms)
		byIndex[ms.Index()] = ms
	}
	s.streams = remaining
	s.proposedStreams = nil
	active := s.invitation.ActiveLocalSDP()
	s.mu.Unlock()

	for _, ms := range ending {
		if err := ms.End(context.Background()); err != nil {
			s.logger.WithError(err).Warn("removed stream failed to end")
		}
	}

	answer, err := sdputil.RefreshActive(s.cfg.LocalAddress, active, byIndex, removedSet)
	if err != nil {
		s.logger.WithError(err).Warn("failed to build remove-only answer")
		s.reject488("")
		return
	}
	if err := s.invitation.SendResponse(200, answer, nil); err != nil {
		s.logger.WithError(err).Warn("failed to answer remove-only proposal")
	}

	if err := s.fsmEvent(evAcceptProposal); err != nil {
		s.logger.WithError(err).Warn("remove-only accept transition rejected")
		return
	}
	if err := s.fsmEvent(evProposalSettled); err != nil {
		s.logger.WithError(err).Warn("remove-only settle transition rejected")
		return
	}

	s.publish(TopicDidRenegotiateStreams, DidRenegotiateStreams{Originator: OriginatorRemote, Action: ActionRemove})
	if s.metrics != nil {
		s.metrics.ProposalOutcome(OriginatorRemote, "accepted")
	}
}

// reject488 answers the in-flight peer proposal with 488 Not
// Acceptable Here (optionally carrying a Warning header) and restores
// state=connected, short-circuiting whatever the caller was about to
// do with the proposal.
func (s *Session) reject488(warning string) {
	var headers map[string]string
	if warning != "" {
		headers = map[string]string{"Warning": warning}
	}
	if err := s.invitation.SendResponse(488, nil, headers); err != nil {
		s.logger.WithError(err).Warn("failed to send 488 response")
	}
	if err := s.fsmEvent(evRejectProposal); err != nil {
		s.logger.WithError(err).Warn("reject-proposal transition rejected")
	}
}

// recomputeRemoteHold implements spec.md §4.6's comparison: for every
// still-active stream, ValidateUpdate refreshes OnHoldByRemote from
// the proposed offer's sendonly/inactive attributes, and
// DidChangeHoldState is published only when the set of remote-held
// indexes differs from the one in the previously active remote SDP
// (on_hold: every stream held; partial: some but not all). Session's
// own onHold is left alone: it tracks local hold only. A stream that
// rejects the update answers the whole proposal 488 with
// a Warning header and restores state=connected (spec.md §4.4 step 2)
// — the caller must stop processing the proposal when this returns
// false.
func (s *Session) recomputeRemoteHold(remoteSDP *sdp.SessionDescription) bool {
	held := sdputil.RemoteHeldIndexes(remoteSDP)
	prevHeld := map[int]bool{}
	if prev := s.invitation.ActiveRemoteSDP(); prev != nil {
		prevHeld = sdputil.RemoteHeldIndexes(prev)
	}

	s.mu.RLock()
	streams := append([]stream.MediaStream{}, s.streams...)
	s.mu.RUnlock()
	if len(streams) == 0 {
		return true
	}

	anyHeld, allHeld, changed := false, true, false
	for _, ms := range streams {
		idx := ms.Index()
		if idx < len(remoteSDP.MediaDescriptions) {
			if err := ms.ValidateUpdate(remoteSDP, idx); err != nil {
				s.logger.WithError(err).Warn("hold validation failed for stream")
				s.reject488(fmt.Sprintf("399 sipsession %q", err.Error()))
				return false
			}
		}
		if held[idx] {
			anyHeld = true
		} else {
			allHeld = false
		}
		if held[idx] != prevHeld[idx] {
			changed = true
		}
	}
	if !changed {
		return true
	}

	s.publish(TopicDidChangeHoldState, DidChangeHoldState{Originator: OriginatorRemote, OnHold: allHeld, Partial: anyHeld && !allHeld})
	if s.metrics != nil {
		s.metrics.HoldStateChanged()
	}
	return true
}

// completeLocalProposal finishes a Session-initiated re-INVITE once
// the peer's 200 OK answer is in hand: every surviving stream is
// updated against the new offer/answer pair and the appropriate
// notification fires depending on which kind of proposal was in
// flight (spec.md §4.5, §4.6).
func (s *Session) completeLocalProposal(gu invitation.GotSDPUpdate) {
	s.mu.RLock()
	existing := append([]stream.MediaStream{}, s.streams...)
	proposed := append([]stream.MediaStream{}, s.proposedStreams...)
	action := s.pendingAction
	removeIdx := s.removeTargetIndex
	s.mu.RUnlock()

	merged := mergeStreams(existing, proposed)
	if action == "remove" {
		filtered := merged[:0:0]
		for _, ms := range merged {
			if ms.Index() != removeIdx {
				filtered = append(filtered, ms)
			}
		}
		merged = filtered
	}

	for _, ms := range merged {
		idx := ms.Index()
		if gu.RemoteSDP != nil && idx < len(gu.RemoteSDP.MediaDescriptions) {
			if err := ms.Update(context.Background(), gu.LocalSDP, gu.RemoteSDP, idx); err != nil {
				s.logger.WithError(err).Warn("renegotiated stream update failed")
			}
		}
	}

	s.mu.Lock()
	s.streams = merged
	s.proposedStreams = nil
	s.pendingAction = ""
	s.mu.Unlock()

	if err := s.fsmEvent(evProposalDone); err != nil {
		s.logger.WithError(err).Warn("proposal-done transition rejected")
		return
	}

	switch action {
	case "hold", "unhold":
		anyHold, allHold := false, len(merged) > 0
		for _, ms := range merged {
			if ms.OnHoldByLocal() {
				anyHold = true
			} else {
				allHold = false
			}
		}
		s.mu.Lock()
		s.onHold = allHold
		s.mu.Unlock()
		s.publish(TopicDidChangeHoldState, DidChangeHoldState{Originator: OriginatorLocal, OnHold: allHold, Partial: anyHold && !allHold})
		if s.metrics != nil {
			s.metrics.HoldStateChanged()
		}
	case "add":
		s.publish(TopicGotAcceptProposal, GotAcceptProposal{Originator: OriginatorLocal, Streams: proposed})
		s.publish(TopicDidRenegotiateStreams, DidRenegotiateStreams{Originator: OriginatorLocal, Action: ActionAdd, Streams: proposed})
	case "remove":
		s.publish(TopicDidRenegotiateStreams, DidRenegotiateStreams{Originator: OriginatorLocal, Action: ActionRemove})
	}
	if s.metrics != nil {
		s.metrics.ProposalOutcome(OriginatorLocal, "accepted")
	}
}

// handleStreamFailed reacts to a MediaStream publishing did_fail. It
// only logs the failure and counts it in the stream-failure metric:
// the Session is not ended, the other streams are not ended, and no
// Session notification is published.
func (s *Session) handleStreamFailed(df stream.DidFail) {
	if s.metrics != nil {
		s.metrics.StreamFailed("unknown")
	}
	s.logger.WithField("reason", df.Reason).Warn("media stream failed")
}
