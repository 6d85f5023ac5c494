// Package session implements the Session state machine (spec.md §4):
// the SIP INVITE dialog lifecycle, SDP offer/answer, mid-dialog
// re-negotiation and multi-stream coordination, serialized through one
// dialog worker goroutine per Session.
//
// Grounded on arzzra-soft_phone/pkg/dialog/dialog.go's single-Dialog-
// per-goroutine design (its responseChan/errorChan pair, generalized
// here to one typed work channel carrying both bus events and user
// operations) and its looplab/fsm usage (state.go).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipsession/internal/logging"
	"github.com/arzzra/sipsession/pkg/eventbus"
	"github.com/arzzra/sipsession/pkg/metrics"
	coreerrors "github.com/arzzra/sipsession/pkg/sipcore/errors"
	"github.com/arzzra/sipsession/pkg/sipcore/invitation"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

// Config bounds the Session's concurrency and timing knobs (spec.md §5).
type Config struct {
	ChannelCapacity   int
	DisconnectTimeout time.Duration
	LocalAddress      string
}

// DefaultConfig mirrors internal/config's session defaults.
func DefaultConfig() Config {
	return Config{ChannelCapacity: 64, DisconnectTimeout: time.Second, LocalAddress: "0.0.0.0"}
}

// Session is one INVITE dialog coordinating its streams (spec.md §3).
// All mutation of state/streams/proposedStreams/onHold happens inside
// the single dialog worker goroutine started by New; every exported
// method either validates synchronously and enqueues work, or reads an
// atomically-published snapshot.
type Session struct {
	id        string
	direction string

	bus        *eventbus.Bus
	invitation invitation.Invitation
	factory    *stream.Factory
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
	cfg        Config

	fsm *fsm.FSM

	channel chan workItem
	subs    []*eventbus.Subscription

	mu              sync.RWMutex
	state           State
	streams         []stream.MediaStream
	proposedStreams []stream.MediaStream
	onHold          bool
	pendingAction     string // "", "hold", "unhold", "add", "remove" — which local proposal is in flight
	removeTargetIndex int
	startTime       time.Time
	endTime         time.Time
	route           []sip.Uri
	ended           bool
}

// New constructs a Session for direction ("incoming"|"outgoing") and
// starts its dialog worker. id must match the SenderID the Invitation
// adapter (and every Stream this Session owns) publishes under — the
// caller generates it and passes it to NewSipgoInvitation before
// constructing the Session, since the Invitation may publish its first
// event (AttachIncoming) before the Session exists to subscribe.
// Callers get the Session back already running; the worker consumes
// the channel until End()/fail drives it to terminated.
func New(id string, direction string, inv invitation.Invitation, bus *eventbus.Bus, factory *stream.Factory, logger logrus.FieldLogger, m *metrics.Metrics, cfg Config) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:         id,
		direction:  direction,
		bus:        bus,
		invitation: inv,
		factory:    factory,
		logger:     logging.ForSession(logger, id, direction),
		metrics:    m,
		cfg:        cfg,
		channel:    make(chan workItem, cfg.ChannelCapacity),
		state:      StateNull,
	}
	s.fsm = newFSM(s.onTransition)
	if direction == "incoming" {
		s.bootstrapIncoming()
	}
	s.subscribe()
	go s.run()
	return s
}

// ID is the Session's own identifier (distinct from the SIP Call-ID,
// which belongs to the Invitation) — used as the event bus partition
// key for both the Invitation adapter and every owned Stream.
func (s *Session) ID() string { return s.id }

// Bus satisfies stream.Session so streams can publish their own
// lifecycle events without holding a reference to Session internals.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// State returns the Session's current state. Safe to call from any
// goroutine.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Streams returns a snapshot of the currently active streams.
func (s *Session) Streams() []stream.MediaStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stream.MediaStream, len(s.streams))
	copy(out, s.streams)
	return out
}

// OnHold reports the aggregate hold state: true iff on_hold is set and
// not partial (SPEC_FULL.md §11's carried-forward aggregation from the
// Python original's on_hold property).
func (s *Session) OnHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onHold
}

func (s *Session) onTransition(from, to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.StateTransition(string(from), string(to))
	}
	s.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("session state transition")
}

func (s *Session) subscribe() {
	topics := []string{
		invitation.TopicChangedState,
		invitation.TopicGotSDPUpdate,
		stream.TopicDidInitialize,
		stream.TopicDidStart,
		stream.TopicDidFail,
		stream.TopicWillEnd,
		stream.TopicDidEnd,
	}
	for _, topic := range topics {
		topic := topic
		s.subs = append(s.subs, s.bus.Subscribe(topic, func(ev eventbus.Event) {
			if ev.SenderID != s.id {
				return
			}
			s.channel <- busEvent{topic: topic, payload: ev.Payload}
		}))
	}
}

func (s *Session) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

// publish is a small convenience wrapper scoping every Session
// notification with this Session's ID (spec.md §6).
func (s *Session) publish(topic string, payload interface{}) {
	s.bus.Publish(eventbus.Event{Topic: topic, SenderID: s.id, Payload: payload})
}

// --- work items -------------------------------------------------------

type workItem interface{ isWorkItem() }

type busEvent struct {
	topic   string
	payload interface{}
}

func (busEvent) isWorkItem() {}

type opRequest struct {
	name   string
	args   interface{}
	result chan error
}

func (opRequest) isWorkItem() {}

// enqueue validates the requested transition synchronously (spec.md
// §4.1/§7.5: InvalidState surfaces without blocking on the worker),
// then hands the operation to the dialog worker and returns
// immediately — callers that want completion can block on the
// returned channel, but spec.md §5 only requires that operations not
// block on the worker itself, not that callers can't wait.
func (s *Session) enqueue(name string, args interface{}, allowed ...State) (chan error, error) {
	cur := s.State()
	ok := false
	for _, st := range allowed {
		if cur == st {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("session %s: %w", name, &coreStateError{op: name, from: cur})
	}
	result := make(chan error, 1)
	s.channel <- opRequest{name: name, args: args, result: result}
	return result, nil
}

type coreStateError struct {
	op   string
	from State
}

func (e *coreStateError) Error() string {
	return fmt.Sprintf("invalid state %s for %s", e.from, e.op)
}
func (e *coreStateError) Unwrap() error { return coreerrors.ErrInvalidState }
