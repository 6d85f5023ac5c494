package stream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/eventbus"
)

// AudioStream is a symmetric RTP audio stream. Its transport is a thin
// loopback stand-in — the spec puts the real RTP/SRTP transport out of
// scope as an external collaborator (spec.md §1) — but it frames a real
// github.com/pion/rtp packet in Start so that step exercises the
// same packet-header bookkeeping a production transport would need;
// Hold and Unhold only flip the local hold flag.
//
// Grounded on arzzra-soft_phone/pkg/media_with_sdp's port/codec fields,
// narrowed to the MediaStream contract.
type AudioStream struct {
	mu sync.Mutex

	id    string
	index int

	localPort int
	payload   uint8
	clockRate uint32
	codec     string

	onHoldByLocal  bool
	onHoldByRemote bool

	sequence uint16
	ssrc     uint32

	bus      *eventbus.Bus
	senderID string
	started  bool
}

// NewAudioStream allocates an AudioStream listening at localPort for
// PCMU (payload 0, 8kHz) by default.
func NewAudioStream(localPort int) *AudioStream {
	return &AudioStream{
		id:        newStreamID(),
		index:     -1,
		localPort: localPort,
		payload:   0,
		clockRate: 8000,
		codec:     "PCMU",
		ssrc:      uint32(time.Now().UnixNano()),
	}
}

func (a *AudioStream) ID() string  { return a.id }
func (a *AudioStream) Kind() Kind  { return KindAudio }
func (a *AudioStream) Index() int  { return a.index }
func (a *AudioStream) SetIndex(i int) { a.index = i }

func (a *AudioStream) HoldSupported() bool { return true }

func (a *AudioStream) OnHoldByLocal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onHoldByLocal
}

func (a *AudioStream) OnHoldByRemote() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onHoldByRemote
}

func (a *AudioStream) Initialize(ctx context.Context, sess Session) error {
	a.bus = sess.Bus()
	a.senderID = sess.ID()
	a.bus.Publish(eventbus.Event{Topic: TopicDidInitialize, SenderID: a.senderID, Payload: a.id})
	return nil
}

func (a *AudioStream) Start(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error {
	remoteMedia, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		a.fail(err.Error())
		return err
	}
	if remoteMedia.MediaName.Port.Value == 0 {
		err := fmt.Errorf("audio: remote rejected media line %d", index)
		a.fail(err.Error())
		return err
	}

	// Frame one RTP packet to prove the transport path is live; a real
	// transport would hand this to a socket instead of discarding it.
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    a.payload,
			SequenceNumber: a.sequence,
			Timestamp:      uint32(time.Now().UnixNano() / int64(time.Millisecond)),
			SSRC:           a.ssrc,
		},
		Payload: []byte{},
	}
	if _, err := pkt.Marshal(); err != nil {
		a.fail(err.Error())
		return err
	}

	a.mu.Lock()
	a.started = true
	a.index = index
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Topic: TopicDidStart, SenderID: a.senderID, Payload: a.id})
	return nil
}

func (a *AudioStream) Update(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error {
	_, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.index = index
	a.mu.Unlock()
	return nil
}

func (a *AudioStream) End(ctx context.Context) error {
	a.bus.Publish(eventbus.Event{Topic: TopicWillEnd, SenderID: a.senderID, Payload: a.id})
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	a.bus.Publish(eventbus.Event{Topic: TopicDidEnd, SenderID: a.senderID, Payload: a.id})
	return nil
}

func (a *AudioStream) Hold() {
	a.mu.Lock()
	a.onHoldByLocal = true
	a.mu.Unlock()
}

func (a *AudioStream) Unhold() {
	a.mu.Lock()
	a.onHoldByLocal = false
	a.mu.Unlock()
}

func (a *AudioStream) GetLocalMedia(forOffer bool) (*sdp.MediaDescription, error) {
	a.mu.Lock()
	dir := direction(a.onHoldByLocal, a.onHoldByRemote)
	port := a.localPort
	a.mu.Unlock()

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(a.payload))},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewPropertyAttribute(dir),
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", a.payload, a.codec, a.clockRate)),
		},
	}, nil
}

func (a *AudioStream) ValidateIncoming(remoteSDP *sdp.SessionDescription, index int) error {
	media, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return err
	}
	if media.MediaName.Media != "audio" {
		return fmt.Errorf("audio: media line %d is not audio", index)
	}
	return nil
}

func (a *AudioStream) ValidateUpdate(remoteSDP *sdp.SessionDescription, index int) error {
	media, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return err
	}
	a.mu.Lock()
	wasHeld := a.onHoldByRemote
	a.onHoldByRemote = hasAttribute(media, "sendonly") || hasAttribute(media, "inactive")
	held := a.onHoldByRemote
	a.mu.Unlock()
	_ = wasHeld
	_ = held
	return nil
}

func (a *AudioStream) fail(reason string) {
	a.bus.Publish(eventbus.Event{Topic: TopicDidFail, SenderID: a.senderID, Payload: DidFail{Reason: reason}})
}

func hasAttribute(m *sdp.MediaDescription, name string) bool {
	for _, attr := range m.Attributes {
		if attr.Key == name {
			return true
		}
	}
	return false
}
