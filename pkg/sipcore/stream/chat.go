package stream

import (
	"context"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/eventbus"
)

// ChatStream is an MSRP-style message stream ("m=message"). It never
// supports hold (spec.md §4.3's heuristic), and carries no RTP.
//
// When FileTransfer is true it was offered with a "file-selector"
// attribute (spec.md §4.3 step 3) — full MSRP chunked file transfer is
// explicitly out of this module's implementation depth (spec.md §1),
// so this is a thin tag, not a chunking engine.
type ChatStream struct {
	id           string
	index        int
	FileTransfer bool

	bus      *eventbus.Bus
	senderID string
}

// NewChatStream builds a ChatStream; fileTransfer mirrors whether the
// offer carried a file-selector attribute.
func NewChatStream(fileTransfer bool) *ChatStream {
	return &ChatStream{id: newStreamID(), index: -1, FileTransfer: fileTransfer}
}

func (c *ChatStream) ID() string { return c.id }

func (c *ChatStream) Kind() Kind {
	if c.FileTransfer {
		return KindFileTransfer
	}
	return KindChat
}

func (c *ChatStream) Index() int      { return c.index }
func (c *ChatStream) SetIndex(i int)  { c.index = i }
func (c *ChatStream) HoldSupported() bool  { return false }
func (c *ChatStream) OnHoldByLocal() bool  { return false }
func (c *ChatStream) OnHoldByRemote() bool { return false }

func (c *ChatStream) Initialize(ctx context.Context, sess Session) error {
	c.bus = sess.Bus()
	c.senderID = sess.ID()
	c.bus.Publish(eventbus.Event{Topic: TopicDidInitialize, SenderID: c.senderID, Payload: c.id})
	return nil
}

func (c *ChatStream) Start(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error {
	remoteMedia, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		c.fail(err.Error())
		return err
	}
	if remoteMedia.MediaName.Port.Value == 0 {
		err := fmt.Errorf("chat: remote rejected media line %d", index)
		c.fail(err.Error())
		return err
	}
	c.index = index
	c.bus.Publish(eventbus.Event{Topic: TopicDidStart, SenderID: c.senderID, Payload: c.id})
	return nil
}

func (c *ChatStream) Update(ctx context.Context, localSDP, remoteSDP *sdp.SessionDescription, index int) error {
	_, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return err
	}
	c.index = index
	return nil
}

func (c *ChatStream) End(ctx context.Context) error {
	c.bus.Publish(eventbus.Event{Topic: TopicWillEnd, SenderID: c.senderID, Payload: c.id})
	c.bus.Publish(eventbus.Event{Topic: TopicDidEnd, SenderID: c.senderID, Payload: c.id})
	return nil
}

// Hold/Unhold are no-ops: chat streams never support hold (spec.md §4.5).
func (c *ChatStream) Hold()   {}
func (c *ChatStream) Unhold() {}

func (c *ChatStream) GetLocalMedia(forOffer bool) (*sdp.MediaDescription, error) {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: 2855},
			Protos:  []string{"TCP", "MSRP"},
			Formats: []string{"*"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("path", "msrp://0.0.0.0:2855/session;tcp"),
			sdp.NewAttribute("accept-types", "text/plain"),
		},
	}
	if c.FileTransfer {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("file-selector", ""))
	}
	return md, nil
}

func (c *ChatStream) ValidateIncoming(remoteSDP *sdp.SessionDescription, index int) error {
	media, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return err
	}
	if media.MediaName.Media != "message" {
		return fmt.Errorf("chat: media line %d is not message", index)
	}
	return nil
}

func (c *ChatStream) ValidateUpdate(remoteSDP *sdp.SessionDescription, index int) error {
	_, err := remoteMediaAt(remoteSDP, index)
	return err
}

func (c *ChatStream) fail(reason string) {
	c.bus.Publish(eventbus.Event{Topic: TopicDidFail, SenderID: c.senderID, Payload: DidFail{Reason: reason}})
}
