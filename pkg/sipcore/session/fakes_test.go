package session_test

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// fakeInvitation is a hand-rolled double for invitation.Invitation,
// grounded on arzzra-soft_phone/pkg/dialog/mocks_test.go's
// mockServerTransaction/mockClientTransaction style: plain structs
// recording calls rather than a generated/reflective mock.
type fakeInvitation struct {
	mu sync.Mutex

	direction string

	sentInvite    bool
	sentReinvites []*sdp.SessionDescription
	sentResponses []int
	ended         bool
	endTimeout    time.Duration

	activeLocal, activeRemote     *sdp.SessionDescription
	proposedLocal, proposedRemote *sdp.SessionDescription

	sendInviteErr, sendResponseErr, sendReinviteErr, endErr error
}

func newFakeInvitation(direction string) *fakeInvitation {
	return &fakeInvitation{direction: direction}
}

func (f *fakeInvitation) SendInvite(_ context.Context, _, _ sip.Uri, _ []sip.Uri, _ sip.ContactHeader, localSDP *sdp.SessionDescription, _ *invitation.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendInviteErr != nil {
		return f.sendInviteErr
	}
	f.sentInvite = true
	f.proposedLocal = localSDP
	return nil
}

func (f *fakeInvitation) SendResponse(code int, localSDP *sdp.SessionDescription, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendResponseErr != nil {
		return f.sendResponseErr
	}
	f.sentResponses = append(f.sentResponses, code)
	if localSDP != nil {
		f.activeLocal = localSDP
	}
	return nil
}

func (f *fakeInvitation) SendReinvite(localSDP *sdp.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendReinviteErr != nil {
		return f.sendReinviteErr
	}
	f.sentReinvites = append(f.sentReinvites, localSDP)
	f.proposedLocal = localSDP
	return nil
}

func (f *fakeInvitation) End(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.endTimeout = timeout
	return f.endErr
}

func (f *fakeInvitation) State() invitation.State       { return invitation.StateNone }
func (f *fakeInvitation) SubState() invitation.SubState { return invitation.SubStateNormal }
func (f *fakeInvitation) Direction() string             { return f.direction }
func (f *fakeInvitation) LocalIdentity() sip.Uri        { return sip.Uri{User: "local"} }
func (f *fakeInvitation) RemoteIdentity() sip.Uri       { return sip.Uri{User: "remote"} }
func (f *fakeInvitation) RemoteUserAgent() string       { return "fake-ua" }

func (f *fakeInvitation) ActiveLocalSDP() *sdp.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocal
}
func (f *fakeInvitation) ActiveRemoteSDP() *sdp.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeRemote
}
func (f *fakeInvitation) ProposedLocalSDP() *sdp.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proposedLocal
}
func (f *fakeInvitation) ProposedRemoteSDP() *sdp.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proposedRemote
}

func (f *fakeInvitation) setProposedRemote(desc *sdp.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposedRemote = desc
}

// setActiveLocal mimics what SipgoInvitation.handleResponse does on a
// successful 2xx: record the negotiated pair as active. Tests drive
// this directly since they publish got_sdp_update/changed_state onto
// the bus themselves rather than going through a real transaction.
func (f *fakeInvitation) setActiveLocal(local, remote *sdp.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeLocal = local
	f.activeRemote = remote
}

// fakeStream is a minimal stream.MediaStream double: one audio-shaped
// media line per instance, with Hold/Unhold flipping OnHoldByLocal and
// no real transport behind it.
type fakeStream struct {
	mu sync.Mutex

	id            string
	kind          stream.Kind
	index         int
	onHoldLocal   bool
	onHoldRemote  bool
	initialized   bool
	started       bool
	ended         bool
	updateCount   int

	initErr, startErr, updateErr, endErr error
	validateUpdateErr                    error
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, kind: stream.KindAudio}
}

func (f *fakeStream) ID() string        { return f.id }
func (f *fakeStream) Kind() stream.Kind { return f.kind }
func (f *fakeStream) Index() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}
func (f *fakeStream) SetIndex(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = i
}
func (f *fakeStream) HoldSupported() bool { return true }
func (f *fakeStream) OnHoldByLocal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onHoldLocal
}
func (f *fakeStream) OnHoldByRemote() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onHoldRemote
}

func (f *fakeStream) Initialize(_ context.Context, _ stream.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return f.initErr
}

func (f *fakeStream) Start(_ context.Context, _, _ *sdp.SessionDescription, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.index = index
	return f.startErr
}

func (f *fakeStream) Update(_ context.Context, _, _ *sdp.SessionDescription, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCount++
	f.index = index
	return f.updateErr
}

func (f *fakeStream) End(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return f.endErr
}

func (f *fakeStream) setValidateUpdateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateUpdateErr = err
}

func (f *fakeStream) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHoldLocal = true
}

func (f *fakeStream) Unhold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHoldLocal = false
}

func (f *fakeStream) GetLocalMedia(_ bool) (*sdp.MediaDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 40000},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0"},
		},
	}, nil
}

func (f *fakeStream) ValidateIncoming(_ *sdp.SessionDescription, _ int) error { return nil }

func (f *fakeStream) ValidateUpdate(remoteSDP *sdp.SessionDescription, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateUpdateErr != nil {
		return f.validateUpdateErr
	}
	if index >= len(remoteSDP.MediaDescriptions) {
		return nil
	}
	held := false
	for _, attr := range remoteSDP.MediaDescriptions[index].Attributes {
		if attr.Key == "sendonly" || attr.Key == "inactive" {
			held = true
		}
	}
	f.onHoldRemote = held
	return nil
}

func fakeSessionDescription(mediaCount int) *sdp.SessionDescription {
	desc := baseFakeSessionDescription()
	for i := 0; i < mediaCount; i++ {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{Media: "audio", Port: sdp.RangedPort{Value: 40000 + i}, Protos: []string{"RTP", "AVP"}, Formats: []string{"0"}},
		})
	}
	return desc
}

func baseFakeSessionDescription() *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username: "-", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: "127.0.0.1",
		},
		SessionName: "-",
	}
}

// fakeSessionDescriptionWithMedia builds a fake offer from an explicit
// set of media lines, used to exercise bootstrapIncoming's port/type
// filtering (zero-port and unrecognized media types never become
// candidates).
func fakeSessionDescriptionWithMedia(mds ...*sdp.MediaDescription) *sdp.SessionDescription {
	desc := baseFakeSessionDescription()
	desc.MediaDescriptions = mds
	return desc
}

func audioMediaLine(port int) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{Media: "audio", Port: sdp.RangedPort{Value: port}, Protos: []string{"RTP", "AVP"}, Formats: []string{"0"}},
	}
}

func videoMediaLine(port int) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{Media: "video", Port: sdp.RangedPort{Value: port}, Protos: []string{"RTP", "AVP"}, Formats: []string{"96"}},
	}
}
