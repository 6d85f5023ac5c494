// Package sessionmanager constructs Sessions from incoming SIP
// traffic and keeps the registry of live ones (spec.md §4.3 steps
// 1-4).
//
// Grounded on sebacius-switchboard/internal/signaling/dialog/
// interface.go's DialogStore: a constructed registry with
// Get/List/Count/ForEach/SetOnTerminated, adapted from dialog-keyed
// storage to Session-keyed storage with account matching added for
// spec.md §4.3 step 1.
package sessionmanager

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipsession/internal/config"
	"github.com/arzzra/sipsession/pkg/eventbus"
	"github.com/arzzra/sipsession/pkg/metrics"
	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/session"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// Manager is the process-wide registry of Sessions, constructed once
// at startup and threaded through explicitly — never a package-level
// global (spec.md §9's redesign note on singletons).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	accounts []config.Account
	bus      *eventbus.Bus
	client   *sipgo.Client
	server   *sipgo.Server
	factory  *stream.Factory
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	cfg      session.Config

	onTerminated func(*session.Session)
}

// New constructs a Manager. accounts restricts which request URIs
// incoming INVITEs are accepted for (spec.md §4.3 step 1); an empty
// list accepts every URI.
func New(accounts []config.Account, bus *eventbus.Bus, client *sipgo.Client, server *sipgo.Server, factory *stream.Factory, logger logrus.FieldLogger, m *metrics.Metrics, cfg session.Config) *Manager {
	return &Manager{
		sessions: make(map[string]*session.Session),
		accounts: accounts,
		bus:      bus,
		client:   client,
		server:   server,
		factory:  factory,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
	}
}

// SetOnTerminated installs a callback invoked once a Session reaches
// StateTerminated and is removed from the registry.
func (m *Manager) SetOnTerminated(fn func(*session.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// HandleInvite constructs a Session for a newly-arrived out-of-dialog
// INVITE (spec.md §4.3 steps 1-4): it matches the request URI against
// the configured accounts, attaches the request to a fresh Invitation,
// registers the Session, and returns it so the transport layer can
// correlate subsequent requests for the same Call-ID.
func (m *Manager) HandleInvite(req *sip.Request, tx sip.ServerTransaction) (*session.Session, error) {
	if !m.accountMatches(req.Recipient) {
		resp := sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil)
		_ = tx.Respond(resp)
		return nil, fmt.Errorf("sessionmanager: no account matches %s", req.Recipient.String())
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)); err != nil {
		m.logger.WithError(err).Warn("failed to send 100 Trying")
	}

	id := newSessionID()
	inv := invitation.NewSipgoInvitation(m.bus, id, m.client, m.server, "incoming")
	remoteUA := req.GetHeader("User-Agent")
	ua := ""
	if remoteUA != nil {
		ua = remoteUA.Value()
	}
	if err := inv.AttachIncoming(req, tx, req.Recipient, req.Recipient, ua); err != nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(resp)
		return nil, fmt.Errorf("sessionmanager: attach incoming: %w", err)
	}

	sess := session.New(id, "incoming", inv, m.bus, m.factory, m.logger, m.metrics, m.cfg)
	m.register(sess)
	return sess, nil
}

// NewOutgoing constructs a Session ready to place an outgoing call;
// the caller still drives it with Session.Connect.
func (m *Manager) NewOutgoing() *session.Session {
	id := newSessionID()
	inv := invitation.NewSipgoInvitation(m.bus, id, m.client, m.server, "outgoing")
	sess := session.New(id, "outgoing", inv, m.bus, m.factory, m.logger, m.metrics, m.cfg)
	m.register(sess)
	return sess
}

func (m *Manager) register(sess *session.Session) {
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	topic := session.TopicDidEnd
	var sub *eventbus.Subscription
	sub = m.bus.Subscribe(topic, func(ev eventbus.Event) {
		if ev.SenderID != sess.ID() {
			return
		}
		m.mu.Lock()
		delete(m.sessions, sess.ID())
		cb := m.onTerminated
		m.mu.Unlock()
		if cb != nil {
			cb(sess)
		}
		sub.Unsubscribe()
	})
}

// Get retrieves a Session by ID.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every currently-registered Session.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently-registered Sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForEach iterates the registry, stopping early if fn returns false.
func (m *Manager) ForEach(fn func(*session.Session) bool) {
	for _, s := range m.List() {
		if !fn(s) {
			return
		}
	}
}

func (m *Manager) accountMatches(to sip.Uri) bool {
	if len(m.accounts) == 0 {
		return true
	}
	for _, acc := range m.accounts {
		if acc.URI == to.String() || acc.URI == to.User {
			return true
		}
	}
	return false
}

func newSessionID() string { return uuid.NewString() }
