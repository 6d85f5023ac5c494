// Package invitation defines the Invitation contract the Session core
// consumes (spec.md §6) and a sipgo-backed adapter implementing it.
//
// The core never touches sipgo's transaction/transport types directly;
// it only calls the operations below and reacts to the two events this
// adapter publishes on the shared event bus.
package invitation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/eventbus"
)

// State mirrors the dialog state sipgo/the transaction layer reports,
// independent of the Session's own richer state machine (spec.md §4.1
// is a superset driven by the Session, not the Invitation).
type State string

const (
	StateNone         State = "none"
	StateEarly        State = "early"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// SubState refines State while negotiation is underway (spec.md §4.4).
type SubState string

const (
	SubStateNormal           SubState = "normal"
	SubStateReceivedProposal SubState = "received_proposal"
	SubStateSentProposal     SubState = "sent_proposal"
)

// ChangedState is published as InvitationChangedState.
type ChangedState struct {
	State             State
	SubState          SubState
	PrevState         State
	Code              int
	Reason            string
	Originator        string // "local" | "remote"
	Method            sip.RequestMethod
	DisconnectReason  string
}

// GotSDPUpdate is published as InvitationGotSDPUpdate.
type GotSDPUpdate struct {
	Succeeded  bool
	LocalSDP   *sdp.SessionDescription
	RemoteSDP  *sdp.SessionDescription
	Error      string
}

// Event topic names published on the bus, scoped per-Invitation by
// SenderID (the owning Session's ID), matching spec.md §2.2.
const (
	TopicChangedState = "invitation.changed_state"
	TopicGotSDPUpdate = "invitation.got_sdp_update"
)

// Credentials authenticates an outgoing INVITE.
type Credentials struct {
	Username string
	Password string
}

// Invitation is the SIP dialog primitive the Session drives (spec.md
// §6). Implementations must be safe for the Session's single dialog
// worker to call; they are never called concurrently by the core.
type Invitation interface {
	SendInvite(ctx context.Context, from, to sip.Uri, route []sip.Uri, contact sip.ContactHeader, localSDP *sdp.SessionDescription, creds *Credentials) error
	SendResponse(code int, sdp *sdp.SessionDescription, extraHeaders map[string]string) error
	SendReinvite(sdp *sdp.SessionDescription) error
	End(timeout time.Duration) error

	State() State
	SubState() SubState
	Direction() string
	LocalIdentity() sip.Uri
	RemoteIdentity() sip.Uri
	RemoteUserAgent() string

	ActiveLocalSDP() *sdp.SessionDescription
	ActiveRemoteSDP() *sdp.SessionDescription
	ProposedLocalSDP() *sdp.SessionDescription
	ProposedRemoteSDP() *sdp.SessionDescription
}

// SipgoInvitation adapts sipgo's request/response/transaction types to
// the Invitation contract, grounded on
// arzzra-soft_phone/pkg/dialog/dialog.go's Dialog (callID/tags/
// sequence numbers/route set/sip.ClientTransaction/
// sip.ServerTransaction fields) collapsed to exactly the operations
// spec.md §6 names.
type SipgoInvitation struct {
	mu sync.RWMutex

	bus      *eventbus.Bus
	senderID string

	client *sipgo.Client
	server *sipgo.Server

	inviteTx sip.ClientTransaction
	serverTx sip.ServerTransaction
	request  *sip.Request

	direction string // "incoming" | "outgoing"
	state     State
	subState  SubState

	localIdentity  sip.Uri
	remoteIdentity sip.Uri
	remoteUA       string

	activeLocal, activeRemote     *sdp.SessionDescription
	proposedLocal, proposedRemote *sdp.SessionDescription
}

// NewSipgoInvitation wraps a sipgo client/server pair for one Session.
// senderID is the owning Session's ID and is used as the event bus
// partition key so events from this Invitation are delivered to that
// Session's channel in order (spec.md §5).
func NewSipgoInvitation(bus *eventbus.Bus, senderID string, client *sipgo.Client, server *sipgo.Server, direction string) *SipgoInvitation {
	return &SipgoInvitation{
		bus:       bus,
		senderID:  senderID,
		client:    client,
		server:    server,
		direction: direction,
		state:     StateNone,
		subState:  SubStateNormal,
	}
}

// AttachIncoming wires a just-arrived server-side INVITE transaction
// into the Invitation: it parses the offer carried in req's body,
// records the transaction the eventual response rides on, and
// publishes the initial ChangedState. Called once by the
// SessionManager before constructing the owning Session (spec.md §4.3
// step 1).
func (i *SipgoInvitation) AttachIncoming(req *sip.Request, tx sip.ServerTransaction, localIdentity, remoteIdentity sip.Uri, remoteUA string) error {
	offer, err := parseSDPBody(req.Body())
	if err != nil {
		return fmt.Errorf("invitation: attach incoming: %w", err)
	}

	i.mu.Lock()
	i.request = req
	i.serverTx = tx
	i.localIdentity = localIdentity
	i.remoteIdentity = remoteIdentity
	i.remoteUA = remoteUA
	i.proposedRemote = offer
	i.state = StateConnecting
	i.mu.Unlock()

	i.publishChangedState(ChangedState{State: StateConnecting, Originator: "remote", Method: sip.INVITE})
	return nil
}

// AttachReinvite updates the Invitation with a mid-dialog INVITE from
// the peer, transitioning SubState to received_proposal and publishing
// both the state change and the parsed offer (spec.md §4.4 step 1-3).
func (i *SipgoInvitation) AttachReinvite(req *sip.Request, tx sip.ServerTransaction) error {
	offer, err := parseSDPBody(req.Body())
	if err != nil {
		return fmt.Errorf("invitation: attach reinvite: %w", err)
	}

	i.mu.Lock()
	i.request = req
	i.serverTx = tx
	i.proposedRemote = offer
	i.subState = SubStateReceivedProposal
	i.mu.Unlock()

	i.publishChangedState(ChangedState{State: StateConnected, SubState: SubStateReceivedProposal, Originator: "remote", Method: sip.INVITE})
	i.publishGotSDPUpdate(true, i.activeLocal, offer, "")
	return nil
}

func (i *SipgoInvitation) SendInvite(ctx context.Context, from, to sip.Uri, route []sip.Uri, contact sip.ContactHeader, localSDP *sdp.SessionDescription, creds *Credentials) error {
	body, err := localSDP.Marshal()
	if err != nil {
		return fmt.Errorf("invitation: marshal offer: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(sip.NewHeader("From", from.String()))
	req.AppendHeader(sip.NewHeader("To", to.String()))
	req.AppendHeader(&contact)
	for _, r := range route {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := i.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("invitation: send invite: %w", err)
	}

	i.mu.Lock()
	i.inviteTx = tx
	i.request = req
	i.proposedLocal = localSDP
	i.state = StateConnecting
	i.mu.Unlock()

	i.publishChangedState(ChangedState{State: StateConnecting, Originator: "local", Method: sip.INVITE})
	go i.watchResponses(tx)
	return nil
}

func (i *SipgoInvitation) watchResponses(tx sip.ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			i.handleResponse(resp)
			if resp.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			return
		}
	}
}

func (i *SipgoInvitation) handleResponse(resp *sip.Response) {
	code := resp.StatusCode
	switch {
	case code >= 100 && code < 200:
		i.mu.Lock()
		i.state = StateEarly
		i.mu.Unlock()
		i.publishChangedState(ChangedState{State: StateEarly, Code: code, Reason: resp.Reason, Originator: "remote"})
	case code >= 200 && code < 300:
		remote, err := parseSDPBody(resp.Body())
		i.mu.Lock()
		i.state = StateConnected
		i.subState = SubStateNormal
		if err == nil {
			i.activeRemote = remote
			i.activeLocal = i.proposedLocal
		}
		i.mu.Unlock()
		i.publishGotSDPUpdate(err == nil, i.proposedLocal, remote, errString(err))
		i.publishChangedState(ChangedState{State: StateConnected, Code: code, Reason: resp.Reason, Originator: "remote"})
	default:
		i.mu.Lock()
		i.state = StateDisconnected
		i.mu.Unlock()
		i.publishChangedState(ChangedState{State: StateDisconnected, Code: code, Reason: resp.Reason, Originator: "remote", DisconnectReason: resp.Reason})
	}
}

func (i *SipgoInvitation) SendResponse(code int, localSDP *sdp.SessionDescription, extraHeaders map[string]string) error {
	i.mu.RLock()
	tx := i.serverTx
	req := i.request
	i.mu.RUnlock()
	if tx == nil || req == nil {
		return fmt.Errorf("invitation: no pending server transaction")
	}

	resp := sip.NewResponseFromRequest(req, code, sip.StatusCode(code).String(), nil)
	for k, v := range extraHeaders {
		resp.AppendHeader(sip.NewHeader(k, v))
	}
	if localSDP != nil {
		body, err := localSDP.Marshal()
		if err != nil {
			return fmt.Errorf("invitation: marshal answer: %w", err)
		}
		resp.SetBody(body)
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("invitation: send response: %w", err)
	}

	i.mu.Lock()
	if localSDP != nil {
		i.activeLocal = localSDP
	}
	if code >= 200 && code < 300 {
		i.state = StateConnected
		i.subState = SubStateNormal
		if i.proposedRemote != nil {
			i.activeRemote = i.proposedRemote
		}
	} else if code >= 300 {
		i.state = StateDisconnected
	}
	i.mu.Unlock()

	i.publishChangedState(ChangedState{State: i.State(), Code: code, Reason: resp.Reason, Originator: "local"})
	return nil
}

func (i *SipgoInvitation) SendReinvite(localSDP *sdp.SessionDescription) error {
	i.mu.Lock()
	i.proposedLocal = localSDP
	i.subState = SubStateSentProposal
	i.mu.Unlock()

	body, err := localSDP.Marshal()
	if err != nil {
		return fmt.Errorf("invitation: marshal re-invite offer: %w", err)
	}
	req := sip.NewRequest(sip.INVITE, i.remoteIdentity)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := i.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("invitation: send re-invite: %w", err)
	}
	go i.watchResponses(tx)
	return nil
}

func (i *SipgoInvitation) End(timeout time.Duration) error {
	i.mu.Lock()
	prevState := i.state
	i.state = StateDisconnected
	tx := i.inviteTx
	serverTx := i.serverTx
	i.mu.Unlock()

	var sendErr error
	switch {
	case prevState == StateConnected:
		req := sip.NewRequest(sip.BYE, i.remoteIdentity)
		if i.client != nil {
			_, sendErr = i.client.TransactionRequest(context.Background(), req)
		}
	case tx != nil:
		cancelReq := sip.NewRequest(sip.CANCEL, i.remoteIdentity)
		if i.client != nil {
			_, sendErr = i.client.TransactionRequest(context.Background(), cancelReq)
		}
	case serverTx != nil:
		sendErr = i.SendResponse(500, nil, nil)
	}

	i.publishChangedState(ChangedState{State: StateDisconnected, Originator: "local", DisconnectReason: "user request"})
	return sendErr
}

func (i *SipgoInvitation) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *SipgoInvitation) SubState() SubState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.subState
}

func (i *SipgoInvitation) Direction() string { return i.direction }

func (i *SipgoInvitation) LocalIdentity() sip.Uri  { return i.localIdentity }
func (i *SipgoInvitation) RemoteIdentity() sip.Uri { return i.remoteIdentity }
func (i *SipgoInvitation) RemoteUserAgent() string { return i.remoteUA }

func (i *SipgoInvitation) ActiveLocalSDP() *sdp.SessionDescription {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.activeLocal
}

func (i *SipgoInvitation) ActiveRemoteSDP() *sdp.SessionDescription {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.activeRemote
}

func (i *SipgoInvitation) ProposedLocalSDP() *sdp.SessionDescription {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.proposedLocal
}

func (i *SipgoInvitation) ProposedRemoteSDP() *sdp.SessionDescription {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.proposedRemote
}

func (i *SipgoInvitation) publishChangedState(cs ChangedState) {
	i.bus.Publish(eventbus.Event{Topic: TopicChangedState, SenderID: i.senderID, Payload: cs})
}

func (i *SipgoInvitation) publishGotSDPUpdate(succeeded bool, local, remote *sdp.SessionDescription, errStr string) {
	i.bus.Publish(eventbus.Event{Topic: TopicGotSDPUpdate, SenderID: i.senderID, Payload: GotSDPUpdate{
		Succeeded: succeeded, LocalSDP: local, RemoteSDP: remote, Error: errStr,
	}})
}

func parseSDPBody(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("invitation: empty SDP body")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("invitation: parse SDP: %w", err)
	}
	return &desc, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
