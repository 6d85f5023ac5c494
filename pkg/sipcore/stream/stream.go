// Package stream defines the MediaStream contract (spec.md §6) and the
// two reference implementations (AudioStream, ChatStream) plus the
// factory that builds a Stream from an incoming SDP media line
// (spec.md §4.3 step 3, §4.4 step 6).
//
// Narrowed from arzzra-soft_phone/pkg/media_with_sdp's
// MediaSessionWithSDPInterface (full offer/answer/port/negotiation-
// state surface) down to exactly the nine operations the Session core
// drives.
package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/eventbus"
)

// Event topics published by every MediaStream implementation, with
// SenderID set to the owning Session's ID taken in Initialize
// (spec.md §2.3).
const (
	TopicDidInitialize = "stream.did_initialize"
	TopicDidStart      = "stream.did_start"
	TopicDidFail       = "stream.did_fail"
	TopicWillEnd       = "stream.will_end"
	TopicDidEnd        = "stream.did_end"
)

// DidFail is the payload of MediaStreamDidFail.
type DidFail struct {
	Reason string
}

// Kind tags the concrete stream variant, used by the factory and by
// log/metric labels.
type Kind string

const (
	KindAudio        Kind = "audio"
	KindChat         Kind = "chat"
	KindFileTransfer Kind = "file-transfer"
	KindScreenShare  Kind = "screen-share"
)

// Session is the minimal handle a MediaStream needs back into its
// owning Session — just enough to initialize, never a way to reach
// back into Session state directly (spec.md §9's "no duck-typed
// objects" redesign note).
type Session interface {
	ID() string
	Bus() *eventbus.Bus
}

// MediaStream is the capability set spec.md §6 requires of every
// concrete stream kind.
type MediaStream interface {
	ID() string
	Kind() Kind
	Index() int
	SetIndex(i int)
	HoldSupported() bool
	OnHoldByLocal() bool
	OnHoldByRemote() bool

	Initialize(ctx context.Context, sess Session) error
	Start(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error
	Update(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error
	End(ctx context.Context) error
	Hold()
	Unhold()

	// GetLocalMedia is the single source of truth for the media line
	// this stream contributes, including its direction attribute
	// (spec.md §9 open question 1).
	GetLocalMedia(forOffer bool) (*sdp.MediaDescription, error)
	ValidateIncoming(remoteSDP *sdp.SessionDescription, index int) error
	ValidateUpdate(remoteSDP *sdp.SessionDescription, index int) error
}

// direction computes the SDP direction attribute for a stream from its
// local/remote hold flags — the only place direction is decided,
// per spec.md §9's open question.
func direction(onHoldByLocal, onHoldByRemote bool) string {
	switch {
	case onHoldByLocal && onHoldByRemote:
		return "inactive"
	case onHoldByLocal:
		return "sendonly"
	case onHoldByRemote:
		return "recvonly"
	default:
		return "sendrecv"
	}
}

func newStreamID() string { return uuid.NewString() }

func remoteMediaAt(remoteSDP *sdp.SessionDescription, index int) (*sdp.MediaDescription, error) {
	if remoteSDP == nil || index < 0 || index >= len(remoteSDP.MediaDescriptions) {
		return nil, fmt.Errorf("stream: no remote media at index %d", index)
	}
	return remoteSDP.MediaDescriptions[index], nil
}
