package session_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipsession/pkg/eventbus"
	"github.com/arzzra/sipsession/pkg/metrics"
	coreerrors "github.com/arzzra/sipsession/pkg/sipcore/errors"
	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/session"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
	"github.com/pion/sdp/v3"
)

func invitationGotSDPUpdate(local, remote *sdp.SessionDescription) invitation.GotSDPUpdate {
	return invitation.GotSDPUpdate{Succeeded: true, LocalSDP: local, RemoteSDP: remote}
}

func invitationChangedStateConnected() invitation.ChangedState {
	return invitation.ChangedState{State: invitation.StateConnected, Originator: "remote", Code: 200}
}

func invitationChangedStatePeerReinvite() invitation.ChangedState {
	return invitation.ChangedState{State: invitation.StateConnected, SubState: invitation.SubStateReceivedProposal, Originator: "remote"}
}

func newTestHarness() (*eventbus.Bus, *metrics.Metrics, *stream.Factory) {
	bus := eventbus.New(4, 16)
	m := metrics.New(prometheus.NewRegistry())
	factory := stream.NewFactory(nil)
	return bus, m, factory
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.DisconnectTimeout = 200 * time.Millisecond
	return cfg
}

func waitForState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if sess.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, currently %s", want, sess.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// subscribeOnce captures the next payload published to topic for
// senderID on a fresh channel, used to observe notifications a
// worker-goroutine test interaction triggers asynchronously.
func subscribeOnce(bus *eventbus.Bus, topic, senderID string) <-chan interface{} {
	ch := make(chan interface{}, 4)
	var sub *eventbus.Subscription
	sub = bus.Subscribe(topic, func(ev eventbus.Event) {
		if ev.SenderID != senderID {
			return
		}
		ch <- ev.Payload
		sub.Unsubscribe()
	})
	return ch
}

func TestConnectAnsweredStartsStreams(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("outgoing")
	sess := session.New("sess-1", "outgoing", inv, bus, factory, testLogger(), m, testConfig())

	fs := newFakeStream("stream-1")
	from := sip.Uri{User: "alice"}
	to := sip.Uri{User: "bob"}
	contact := sip.ContactHeader{Address: from}

	err := sess.Connect(context.Background(), from, to, nil, contact, nil, []stream.MediaStream{fs})
	require.NoError(t, err)
	assert.True(t, inv.sentInvite)
	waitForState(t, sess, session.StateOutgoing)

	remote := fakeSessionDescription(1)
	inv.setProposedRemote(remote)
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.proposedLocal, remote)})
	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStateConnected()})

	waitForState(t, sess, session.StateConnected)
	assert.Eventually(t, func() bool {
		return fs.started
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptStartsChosenStreams(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("incoming")
	inv.setProposedRemote(fakeSessionDescription(1))

	sess := session.New("sess-2", "incoming", inv, bus, factory, testLogger(), m, testConfig())
	waitForState(t, sess, session.StateIncoming)

	fs := newFakeStream("stream-2")
	err := sess.Accept(context.Background(), []stream.MediaStream{fs})
	require.NoError(t, err)

	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 200)
	assert.True(t, fs.initialized)
	assert.True(t, fs.started)
}

func TestRejectEndsSessionWithoutStartingStreams(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("incoming")
	inv.setProposedRemote(fakeSessionDescription(1))
	sess := session.New("sess-3", "incoming", inv, bus, factory, testLogger(), m, testConfig())
	waitForState(t, sess, session.StateIncoming)

	err := sess.Reject(0, "busy")
	require.NoError(t, err)
	waitForState(t, sess, session.StateTerminated)
	assert.Contains(t, inv.sentResponses, 486)
}

func TestOperationRejectedInWrongState(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("outgoing")
	sess := session.New("sess-4", "outgoing", inv, bus, factory, testLogger(), m, testConfig())

	err := sess.Hold()
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrInvalidState)
}

func connectedSession(t *testing.T, id string) (*eventbus.Bus, *session.Session, *fakeInvitation, *fakeStream) {
	t.Helper()
	bus, m, factory := newTestHarness()

	inv := newFakeInvitation("outgoing")
	sess := session.New(id, "outgoing", inv, bus, factory, testLogger(), m, testConfig())

	fs := newFakeStream("stream-" + id)
	from := sip.Uri{User: "alice"}
	to := sip.Uri{User: "bob"}
	contact := sip.ContactHeader{Address: from}
	require.NoError(t, sess.Connect(context.Background(), from, to, nil, contact, nil, []stream.MediaStream{fs}))
	waitForState(t, sess, session.StateOutgoing)

	remote := fakeSessionDescription(1)
	inv.setProposedRemote(remote)
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.proposedLocal, remote)})
	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStateConnected()})
	waitForState(t, sess, session.StateConnected)
	inv.setActiveLocal(inv.proposedLocal, remote)
	return bus, sess, inv, fs
}

func TestHoldRoundTrip(t *testing.T) {
	bus, sess, inv, fs := connectedSession(t, "sess-5")
	defer bus.Close()

	holdCh := subscribeOnce(bus, session.TopicDidChangeHoldState, sess.ID())

	require.NoError(t, sess.Hold())
	waitForState(t, sess, session.StateSendingProposal)
	require.Len(t, inv.sentReinvites, 1)

	active := inv.ActiveLocalSDP()
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.sentReinvites[0], active)})
	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStateConnected()})

	waitForState(t, sess, session.StateConnected)
	assert.True(t, fs.OnHoldByLocal())

	select {
	case payload := <-holdCh:
		ev := payload.(session.DidChangeHoldState)
		assert.Equal(t, session.OriginatorLocal, ev.Originator)
		assert.True(t, ev.OnHold)
	case <-time.After(time.Second):
		t.Fatal("expected DidChangeHoldState notification")
	}
}

func TestGlareAbandonsLocalProposal(t *testing.T) {
	bus, sess, inv, _ := connectedSession(t, "sess-6")
	defer bus.Close()

	failureCh := subscribeOnce(bus, session.TopicHadProposalFailure, sess.ID())

	require.NoError(t, sess.Hold())
	waitForState(t, sess, session.StateSendingProposal)
	require.Len(t, inv.sentReinvites, 1)

	bus.Publish(eventbus.Event{
		Topic:    invitation.TopicChangedState,
		SenderID: sess.ID(),
		Payload:  invitationChangedStatePeerReinvite(),
	})

	waitForState(t, sess, session.StateReceivedProposal)

	select {
	case payload := <-failureCh:
		ev := payload.(session.HadProposalFailure)
		assert.Equal(t, "glare", ev.Reason)
		assert.Equal(t, session.OriginatorLocal, ev.Originator)
	case <-time.After(time.Second):
		t.Fatal("expected HadProposalFailure notification from glare")
	}
}

func TestEndStopsStreamsAndInvitation(t *testing.T) {
	bus, sess, inv, fs := connectedSession(t, "sess-7")
	defer bus.Close()

	require.NoError(t, sess.End("done"))
	waitForState(t, sess, session.StateTerminated)
	assert.True(t, fs.ended)
	assert.True(t, inv.ended)
}

func TestIncomingRejectsWhenNoAcceptableMedia(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("incoming")
	inv.setProposedRemote(fakeSessionDescriptionWithMedia(videoMediaLine(50000)))

	sess := session.New("sess-8", "incoming", inv, bus, factory, testLogger(), m, testConfig())
	waitForState(t, sess, session.StateTerminated)
	assert.Contains(t, inv.sentResponses, 488)
}

func TestIncomingFiltersUnacceptableAndZeroPortMedia(t *testing.T) {
	bus, m, factory := newTestHarness()
	defer bus.Close()

	inv := newFakeInvitation("incoming")
	inv.setProposedRemote(fakeSessionDescriptionWithMedia(
		audioMediaLine(40000),
		audioMediaLine(0),
		videoMediaLine(50000),
	))

	sess := session.New("sess-9", "incoming", inv, bus, factory, testLogger(), m, testConfig())
	waitForState(t, sess, session.StateIncoming)
	assert.NotContains(t, inv.sentResponses, 488)

	require.NoError(t, sess.Accept(context.Background(), nil))
	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 200)
}

func TestPeerRemoveOnlyProposalAutoAccepted(t *testing.T) {
	bus, sess, inv, fs := connectedSession(t, "sess-10")
	defer bus.Close()

	renegotiateCh := subscribeOnce(bus, session.TopicDidRenegotiateStreams, sess.ID())

	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStatePeerReinvite()})
	waitForState(t, sess, session.StateReceivedProposal)

	removal := fakeSessionDescriptionWithMedia(audioMediaLine(0))
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.ActiveLocalSDP(), removal)})

	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 200)
	assert.True(t, fs.ended)

	select {
	case payload := <-renegotiateCh:
		ev := payload.(session.DidRenegotiateStreams)
		assert.Equal(t, session.OriginatorRemote, ev.Originator)
		assert.Equal(t, session.ActionRemove, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("expected DidRenegotiateStreams notification")
	}
}

func TestMixedAddRemoveProposalRejected488(t *testing.T) {
	bus, sess, inv, _ := connectedSession(t, "sess-11")
	defer bus.Close()

	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStatePeerReinvite()})
	waitForState(t, sess, session.StateReceivedProposal)

	mixed := fakeSessionDescriptionWithMedia(audioMediaLine(0), audioMediaLine(41000))
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.ActiveLocalSDP(), mixed)})

	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 488)
}

func TestOriginMismatchRejectsProposal488(t *testing.T) {
	bus, sess, inv, _ := connectedSession(t, "sess-12")
	defer bus.Close()

	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStatePeerReinvite()})
	waitForState(t, sess, session.StateReceivedProposal)

	mismatched := fakeSessionDescriptionWithMedia(audioMediaLine(40000))
	mismatched.Origin.UnicastAddress = "10.0.0.9"
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.ActiveLocalSDP(), mismatched)})

	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 488)
}

func TestRemoteHoldValidationFailureRejects488(t *testing.T) {
	bus, sess, inv, fs := connectedSession(t, "sess-13")
	defer bus.Close()
	fs.setValidateUpdateErr(errors.New("boom"))

	bus.Publish(eventbus.Event{Topic: invitation.TopicChangedState, SenderID: sess.ID(), Payload: invitationChangedStatePeerReinvite()})
	waitForState(t, sess, session.StateReceivedProposal)

	holdOffer := fakeSessionDescriptionWithMedia(&sdp.MediaDescription{
		MediaName: sdp.MediaName{Media: "audio", Port: sdp.RangedPort{Value: 40000}, Protos: []string{"RTP", "AVP"}, Formats: []string{"0"}},
		Attributes: []sdp.Attribute{sdp.NewAttribute("sendonly", "")},
	})
	bus.Publish(eventbus.Event{Topic: invitation.TopicGotSDPUpdate, SenderID: sess.ID(), Payload: invitationGotSDPUpdate(inv.ActiveLocalSDP(), holdOffer)})

	waitForState(t, sess, session.StateConnected)
	assert.Contains(t, inv.sentResponses, 488)
}
