package session

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	coreerrors "github.com/arzzra/sipsession/pkg/sipcore/errors"
	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/sdputil"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// run is the dialog worker: the only goroutine allowed to mutate
// Session state, streams, proposedStreams and onHold. It drains
// s.channel until the FSM reaches StateTerminated, then unsubscribes
// from the event bus and returns (spec.md §5).
func (s *Session) run() {
	for item := range s.channel {
		switch it := item.(type) {
		case opRequest:
			err := s.dispatchOp(it)
			it.result <- err
		case busEvent:
			s.dispatchBusEvent(it)
		}
		if s.State() == StateTerminated {
			s.unsubscribe()
			return
		}
	}
}

func (s *Session) dispatchOp(it opRequest) error {
	switch it.name {
	case opConnect:
		return s.handleConnect(it.args.(connectArgs))
	case opAccept:
		return s.handleAccept(it.args.(acceptArgs))
	case opReject:
		return s.handleReject(it.args.(rejectArgs))
	case opEnd:
		return s.handleEnd(it.args.(endArgs))
	case opHold:
		return s.handleHold()
	case opUnhold:
		return s.handleUnhold()
	case opAddStream:
		return s.handleAddStream(it.args.(addStreamArgs))
	case opRemoveStream:
		return s.handleRemoveStream(it.args.(removeStreamArgs))
	case opAcceptProposal:
		return s.handleAcceptProposal(it.args.(acceptProposalArgs))
	case opRejectProposal:
		return s.handleRejectProposal(it.args.(rejectProposalArgs))
	default:
		return fmt.Errorf("session: unknown operation %q", it.name)
	}
}

func (s *Session) dispatchBusEvent(it busEvent) {
	switch it.topic {
	case invitation.TopicChangedState:
		s.handleChangedState(it.payload.(invitation.ChangedState))
	case invitation.TopicGotSDPUpdate:
		s.handleGotSDPUpdate(it.payload.(invitation.GotSDPUpdate))
	case stream.TopicDidFail:
		s.handleStreamFailed(it.payload.(stream.DidFail))
	case stream.TopicDidInitialize, stream.TopicDidStart, stream.TopicWillEnd, stream.TopicDidEnd:
		// logged by the stream itself; nothing for the Session to do.
	}
}

func (s *Session) fsmEvent(name string) error {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("session: %w: %v", coreerrors.ErrInvalidState, err)
	}
	return nil
}

func (s *Session) fail(originator, reason string) {
	s.publish(TopicDidFail, DidFail{Originator: originator, FailureReason: reason})
	_ = s.fsmEvent(evEnd)
	_ = s.fsmEvent(evTerminated)
	s.finish(originator, reason)
}

func (s *Session) finish(originator, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endTime = time.Now()
	start := s.startTime
	s.mu.Unlock()

	if s.metrics != nil && !start.IsZero() {
		s.metrics.SessionEnded(s.endTime.Sub(start))
	}
	s.publish(TopicDidEnd, DidEnd{Originator: originator, EndReason: reason})
}

// --- connect (outgoing) -------------------------------------------------

type connectArgs struct {
	ctx     context.Context
	from    sip.Uri
	to      sip.Uri
	route   []sip.Uri
	contact sip.ContactHeader
	creds   *invitation.Credentials
	streams []stream.MediaStream
}

const opConnect = "connect"

func (s *Session) handleConnect(args connectArgs) error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.streams = args.streams
	s.route = args.route
	s.mu.Unlock()

	for _, ms := range args.streams {
		if err := ms.Initialize(args.ctx, s); err != nil {
			return fmt.Errorf("session: initialize stream: %w", err)
		}
	}

	sources := make([]sdputil.LocalMediaSource, len(args.streams))
	for i, ms := range args.streams {
		ms.SetIndex(i)
		sources[i] = ms
	}
	offer, err := sdputil.BuildOffer(s.cfg.LocalAddress, sources)
	if err != nil {
		return fmt.Errorf("session: build offer: %w", err)
	}

	if err := s.invitation.SendInvite(args.ctx, args.from, args.to, args.route, args.contact, offer, args.creds); err != nil {
		return fmt.Errorf("session: send invite: %w", err)
	}
	if err := s.fsmEvent(evConnect); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionCreated("outgoing")
	}
	s.publish(TopicNewOutgoing, NewOutgoing{Streams: args.streams})
	return nil
}

// --- accept / reject (incoming) -----------------------------------------

type acceptArgs struct {
	ctx     context.Context
	streams []stream.MediaStream
}

const opAccept = "accept"

func (s *Session) handleAccept(args acceptArgs) error {
	chosen := args.streams
	if chosen == nil {
		chosen = s.proposedStreamsSnapshot()
	}

	offer := s.invitation.ProposedRemoteSDP()
	accepted := make(map[int]stream.MediaStream, len(chosen))
	sources := make(map[int]sdputil.LocalMediaSource, len(chosen))
	for _, ms := range chosen {
		if err := ms.Initialize(args.ctx, s); err != nil {
			return fmt.Errorf("session: initialize stream: %w", err)
		}
		accepted[ms.Index()] = ms
		sources[ms.Index()] = ms
	}

	answer, err := sdputil.BuildAnswer(s.cfg.LocalAddress, offer, sources)
	if err != nil {
		return fmt.Errorf("session: build answer: %w", err)
	}
	if err := s.invitation.SendResponse(200, answer, nil); err != nil {
		return fmt.Errorf("session: send response: %w", err)
	}
	if err := s.fsmEvent(evAccept); err != nil {
		return err
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.streams = chosen
	s.proposedStreams = nil
	s.mu.Unlock()

	started := make([]stream.MediaStream, 0, len(accepted))
	for idx, ms := range accepted {
		if err := ms.Start(args.ctx, answer, offer, idx); err != nil {
			s.logger.WithError(err).Warn("accepted stream failed to start")
			continue
		}
		started = append(started, ms)
	}

	if err := s.fsmEvent(evAnswered); err != nil {
		return err
	}
	s.publish(TopicWillStart, WillStart{})
	s.publish(TopicDidStart, DidStart{Streams: started})
	return nil
}

type rejectArgs struct {
	code   int
	reason string
}

const opReject = "reject"

func (s *Session) handleReject(args rejectArgs) error {
	code := args.code
	if code == 0 {
		code = 486
	}
	if err := s.invitation.SendResponse(code, nil, nil); err != nil {
		return fmt.Errorf("session: send rejection: %w", err)
	}
	if err := s.fsmEvent(evReject); err != nil {
		return err
	}
	if err := s.fsmEvent(evTerminated); err != nil {
		return err
	}
	s.finish(OriginatorLocal, args.reason)
	return nil
}

// --- end ------------------------------------------------------------------

type endArgs struct{ reason string }

const opEnd = "end"

func (s *Session) handleEnd(args endArgs) error {
	if err := s.fsmEvent(evEnd); err != nil {
		return err
	}
	s.publish(TopicWillEnd, WillEnd{Originator: OriginatorLocal})

	s.mu.RLock()
	streams := append([]stream.MediaStream{}, s.streams...)
	s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()
	for _, ms := range streams {
		if err := ms.End(ctx); err != nil {
			s.logger.WithError(err).Warn("stream end failed")
		}
	}

	if err := s.invitation.End(s.cfg.DisconnectTimeout); err != nil {
		s.logger.WithError(err).Warn("invitation end failed")
	}
	if err := s.fsmEvent(evTerminated); err != nil {
		return err
	}
	s.finish(OriginatorLocal, args.reason)
	return nil
}

// --- hold / unhold ----------------------------------------------------

const (
	opHold   = "hold"
	opUnhold = "unhold"
)

func (s *Session) handleHold() error  { return s.setHold(true) }
func (s *Session) handleUnhold() error { return s.setHold(false) }

func (s *Session) setHold(hold bool) error {
	s.mu.RLock()
	streams := append([]stream.MediaStream{}, s.streams...)
	active := s.invitation.ActiveLocalSDP()
	s.mu.RUnlock()
	if active == nil {
		return fmt.Errorf("session: no active SDP to renegotiate hold against")
	}

	byIndex := make(map[int]sdputil.LocalMediaSource, len(streams))
	for _, ms := range streams {
		if hold {
			ms.Hold()
		} else {
			ms.Unhold()
		}
		byIndex[ms.Index()] = ms
	}

	refreshed, err := sdputil.RefreshActive(s.cfg.LocalAddress, active, byIndex, nil)
	if err != nil {
		return fmt.Errorf("session: refresh hold SDP: %w", err)
	}
	if err := s.invitation.SendReinvite(refreshed); err != nil {
		return fmt.Errorf("session: send hold reinvite: %w", err)
	}
	s.mu.Lock()
	if hold {
		s.pendingAction = "hold"
	} else {
		s.pendingAction = "unhold"
	}
	s.mu.Unlock()
	return s.fsmEvent(evSendProposal)
}

// --- add / remove stream ------------------------------------------------

type addStreamArgs struct {
	ctx    context.Context
	stream stream.MediaStream
}

const opAddStream = "add_stream"

func (s *Session) handleAddStream(args addStreamArgs) error {
	if err := args.stream.Initialize(args.ctx, s); err != nil {
		return fmt.Errorf("session: initialize new stream: %w", err)
	}

	s.mu.RLock()
	active := s.invitation.ActiveLocalSDP()
	s.mu.RUnlock()
	if active == nil {
		return fmt.Errorf("session: no active SDP to append to")
	}
	args.stream.SetIndex(len(active.MediaDescriptions))

	proposed, err := sdputil.AppendMedia(active, args.stream)
	if err != nil {
		return fmt.Errorf("session: append stream media: %w", err)
	}
	if err := s.invitation.SendReinvite(proposed); err != nil {
		return fmt.Errorf("session: send add-stream reinvite: %w", err)
	}

	s.mu.Lock()
	s.proposedStreams = append(s.proposedStreams, args.stream)
	s.pendingAction = "add"
	s.mu.Unlock()
	return s.fsmEvent(evSendProposal)
}

type removeStreamArgs struct {
	ctx   context.Context
	index int
}

const opRemoveStream = "remove_stream"

func (s *Session) handleRemoveStream(args removeStreamArgs) error {
	s.mu.RLock()
	active := s.invitation.ActiveLocalSDP()
	s.mu.RUnlock()
	if active == nil {
		return fmt.Errorf("session: no active SDP to renegotiate removal against")
	}

	removed := map[int]bool{args.index: true}
	proposed, err := sdputil.RefreshActive(s.cfg.LocalAddress, active, nil, removed)
	if err != nil {
		return fmt.Errorf("session: refresh removal SDP: %w", err)
	}
	if err := s.invitation.SendReinvite(proposed); err != nil {
		return fmt.Errorf("session: send remove-stream reinvite: %w", err)
	}
	s.mu.Lock()
	s.pendingAction = "remove"
	s.removeTargetIndex = args.index
	s.mu.Unlock()
	return s.fsmEvent(evSendProposal)
}

// --- peer proposal accept/reject ---------------------------------------

type acceptProposalArgs struct {
	ctx     context.Context
	streams []stream.MediaStream
}

const opAcceptProposal = "accept_proposal"

func (s *Session) handleAcceptProposal(args acceptProposalArgs) error {
	if err := s.fsmEvent(evAcceptProposal); err != nil {
		return err
	}

	offer := s.invitation.ProposedRemoteSDP()
	chosen := args.streams
	if chosen == nil {
		chosen = s.proposedStreamsSnapshot()
	}

	s.mu.RLock()
	existing := append([]stream.MediaStream{}, s.streams...)
	s.mu.RUnlock()
	byIndex := make(map[int]sdputil.LocalMediaSource, len(existing)+len(chosen))
	for _, ms := range existing {
		byIndex[ms.Index()] = ms
	}
	for _, ms := range chosen {
		if err := ms.Initialize(args.ctx, s); err != nil {
			return fmt.Errorf("session: initialize proposed stream: %w", err)
		}
		byIndex[ms.Index()] = ms
	}

	answer, err := sdputil.BuildAnswer(s.cfg.LocalAddress, offer, byIndex)
	if err != nil {
		return fmt.Errorf("session: build proposal answer: %w", err)
	}
	if err := s.invitation.SendResponse(200, answer, nil); err != nil {
		return fmt.Errorf("session: send proposal answer: %w", err)
	}

	merged := mergeStreams(existing, chosen)
	for idx, ms := range byIndex {
		if err := ms.(stream.MediaStream).Update(args.ctx, answer, offer, idx); err != nil {
			s.logger.WithError(err).Warn("renegotiated stream update failed")
		}
	}

	s.mu.Lock()
	s.streams = merged
	s.proposedStreams = nil
	s.mu.Unlock()

	if err := s.fsmEvent(evProposalSettled); err != nil {
		return err
	}
	s.publish(TopicGotAcceptProposal, GotAcceptProposal{Originator: OriginatorLocal, Streams: chosen})
	s.publish(TopicDidRenegotiateStreams, DidRenegotiateStreams{Originator: OriginatorRemote, Action: ActionAdd, Streams: chosen})
	if s.metrics != nil {
		s.metrics.ProposalOutcome(OriginatorRemote, "accepted")
	}
	return nil
}

type rejectProposalArgs struct {
	code   int
	reason string
}

const opRejectProposal = "reject_proposal"

func (s *Session) handleRejectProposal(args rejectProposalArgs) error {
	code := args.code
	if code == 0 {
		code = 488
	}
	active := s.invitation.ActiveLocalSDP()
	if err := s.invitation.SendResponse(code, active, nil); err != nil {
		return fmt.Errorf("session: send proposal rejection: %w", err)
	}
	if err := s.fsmEvent(evRejectProposal); err != nil {
		return err
	}
	s.mu.Lock()
	s.proposedStreams = nil
	s.mu.Unlock()
	s.publish(TopicGotRejectProposal, GotRejectProposal{Originator: OriginatorLocal, Code: code, Reason: args.reason})
	if s.metrics != nil {
		s.metrics.ProposalOutcome(OriginatorRemote, "rejected")
	}
	return nil
}

func (s *Session) proposedStreamsSnapshot() []stream.MediaStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stream.MediaStream, len(s.proposedStreams))
	copy(out, s.proposedStreams)
	return out
}

func mergeStreams(existing, added []stream.MediaStream) []stream.MediaStream {
	byIndex := make(map[int]stream.MediaStream, len(existing)+len(added))
	maxIdx := -1
	for _, ms := range existing {
		byIndex[ms.Index()] = ms
		if ms.Index() > maxIdx {
			maxIdx = ms.Index()
		}
	}
	for _, ms := range added {
		byIndex[ms.Index()] = ms
		if ms.Index() > maxIdx {
			maxIdx = ms.Index()
		}
	}
	out := make([]stream.MediaStream, 0, len(byIndex))
	for i := 0; i <= maxIdx; i++ {
		if ms, ok := byIndex[i]; ok {
			out = append(out, ms)
		}
	}
	return out
}
