package session

import (
	"context"
	"time"

	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// bootstrapIncoming runs once, synchronously, before the dialog
// worker goroutine starts: it derives the candidate stream set from
// the Invitation's already-parsed offer and publishes NewIncoming
// (spec.md §4.3 steps 1-4). Safe without locking s.mu because nothing
// else can reach this Session yet.
//
// A media line the peer already zeroed out, or one no factory/
// ValidateIncoming accepts, never becomes a candidate (spec.md §4.3
// step 3). If nothing survives, the INVITE is answered 488 Not
// Acceptable Here and the Session terminates without ever publishing
// NewIncoming, so there is nothing for the caller to Accept (spec.md
// §4.3 step 4).
func (s *Session) bootstrapIncoming() {
	s.startTime = time.Now()
	if err := s.fsm.Event(context.Background(), evIncomingInvite); err != nil {
		s.logger.WithError(err).Error("incoming invite transition failed")
		return
	}

	offer := s.invitation.ProposedRemoteSDP()
	var candidates []stream.MediaStream
	if offer != nil {
		for idx, md := range offer.MediaDescriptions {
			if md.MediaName.Port.Value == 0 {
				continue
			}
			ms, ok := s.factory.FromOffer(offer, idx)
			if !ok {
				continue
			}
			ms.SetIndex(idx)
			if err := ms.ValidateIncoming(offer, idx); err != nil {
				s.logger.WithError(err).Debug("candidate stream failed incoming validation")
				continue
			}
			candidates = append(candidates, ms)
		}
	}
	s.proposedStreams = candidates

	if len(candidates) == 0 {
		if err := s.invitation.SendResponse(488, nil, nil); err != nil {
			s.logger.WithError(err).Warn("failed to send 488 for unacceptable incoming invite")
		}
		if err := s.fsm.Event(context.Background(), evReject); err != nil {
			s.logger.WithError(err).Warn("reject transition rejected for unacceptable incoming invite")
			return
		}
		if err := s.fsm.Event(context.Background(), evTerminated); err != nil {
			s.logger.WithError(err).Warn("terminated transition rejected for unacceptable incoming invite")
			return
		}
		s.finish(OriginatorLocal, "no acceptable media")
		return
	}

	if s.metrics != nil {
		s.metrics.SessionCreated("incoming")
	}
	s.publish(TopicNewIncoming, NewIncoming{Streams: candidates})
}
