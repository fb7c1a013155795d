// Package sessions multiplexes logical client sessions onto live outbound
// event streams, with heartbeats and idle eviction.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Attach after the broker has been closed.
var ErrClosed = errors.New("session broker is closed")

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultIdleTimeout       = 5 * time.Minute
)

// Conn is one live outbound stream attached to a session. Implementations
// wrap an SSE session or a WebSocket connection.
type Conn interface {
	// SendEvent writes one named event with a JSON payload.
	SendEvent(name string, data []byte) error
	// SendComment writes a lightweight keep-alive that carries no event.
	SendComment(text string) error
	// Close tears down the underlying transport.
	Close()
}

// Stream is the broker's handle for one attached connection.
type Stream struct {
	id   string
	conn Conn
	seq  uint64

	attachedAt  time.Time
	lastEventAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the resolved session identifier.
func (st *Stream) ID() string { return st.id }

// Done is closed when the broker force-closes the stream (replacement, idle
// eviction, broker shutdown). The owning HTTP handler should return then.
func (st *Stream) Done() <-chan struct{} { return st.done }

func (st *Stream) close() {
	st.closeOnce.Do(func() {
		close(st.done)
		st.conn.Close()
	})
}

// Broker owns the set of live event streams, one per session.
type Broker struct {
	log *zap.SugaredLogger

	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	mu      sync.Mutex
	streams map[string]*Stream
	nextSeq uint64
	closed  bool

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// Option configures a Broker.
type Option func(b *Broker)

// WithLogger replaces the default development logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		b.log = l.Named("sessions").Sugar()
	}
}

// WithHeartbeatInterval sets the sweep interval for keep-alives and idle
// eviction.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broker) {
		b.heartbeatInterval = d
	}
}

// WithIdleTimeout sets how long a session may go without a delivered event
// before its stream is evicted.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.idleTimeout = d
	}
}

// NewBroker builds a Broker and starts its heartbeat sweep.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		heartbeatInterval: defaultHeartbeatInterval,
		idleTimeout:       defaultIdleTimeout,
		streams:           map[string]*Stream{},
		stopHeartbeat:     make(chan struct{}),
		heartbeatDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(fmt.Sprintf("building logger: %s", err))
		}
		b.log = logger.Named("sessions").Sugar()
	}
	go b.heartbeatLoop()
	return b
}

// Attach registers conn under sessionID, generating an identifier when none
// is supplied. A pre-existing stream for the same session is force-closed and
// replaced. The initial "ready" event carrying the resolved identifier is
// written before Attach returns.
func (b *Broker) Attach(conn Conn, sessionID string) (*Stream, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	st := &Stream{
		id:          sessionID,
		conn:        conn,
		attachedAt:  now,
		lastEventAt: now,
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if old, ok := b.streams[sessionID]; ok {
		b.log.Infof("session %s reattached, replacing previous stream", sessionID)
		old.close()
	}
	b.nextSeq++
	st.seq = b.nextSeq
	b.streams[sessionID] = st

	ready, err := json.Marshal(map[string]string{"session": sessionID})
	if err == nil {
		err = conn.SendEvent("ready", ready)
	}
	if err != nil {
		delete(b.streams, sessionID)
		b.mu.Unlock()
		st.close()
		return nil, fmt.Errorf("writing ready event: %w", err)
	}
	b.mu.Unlock()

	b.log.Debugf("session %s attached", sessionID)
	return st, nil
}

// Detach deregisters st if it is still the session's registered stream. A
// stream that was already replaced leaves the replacement untouched.
func (b *Broker) Detach(st *Stream) {
	b.mu.Lock()
	if cur, ok := b.streams[st.id]; ok && cur == st {
		delete(b.streams, st.id)
	}
	b.mu.Unlock()
	st.close()
	b.log.Debugf("session %s detached", st.id)
}

// Send writes one named event to the session's stream. A session with no
// attached stream is a no-op: delivery is best-effort.
func (b *Broker) Send(sessionID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Warnf("dropping %s event for session %s: encoding payload: %s", event, sessionID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sessionID]
	if !ok {
		b.log.Debugf("session %s has no attached stream, dropping %s event", sessionID, event)
		return
	}
	b.deliverLocked(st, event, data)
}

// Broadcast writes an individualized payload to every attached session, in
// attachment order. It is the fallback for worker messages that could not be
// correlated to a session.
func (b *Broker) Broadcast(event string, payloadFor func(sessionID string) any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]*Stream, 0, len(b.streams))
	for _, st := range b.streams {
		ordered = append(ordered, st)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for _, st := range ordered {
		data, err := json.Marshal(payloadFor(st.id))
		if err != nil {
			b.log.Warnf("dropping broadcast %s event for session %s: encoding payload: %s", event, st.id, err)
			continue
		}
		b.deliverLocked(st, event, data)
	}
}

// deliverLocked writes under the broker mutex. A write failure evicts the
// stream; the session's pending requests are unaffected.
func (b *Broker) deliverLocked(st *Stream, event string, data []byte) {
	if err := st.conn.SendEvent(event, data); err != nil {
		b.log.Debugf("write to session %s failed, evicting: %s", st.id, err)
		if cur, ok := b.streams[st.id]; ok && cur == st {
			delete(b.streams, st.id)
		}
		st.close()
		return
	}
	st.lastEventAt = time.Now()
}

// Count reports the number of attached sessions.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Broker) heartbeatLoop() {
	defer close(b.heartbeatDone)
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
		}
		b.sweep()
	}
}

// sweep evicts idle sessions and writes a keep-alive comment to the rest.
// Comments defeat intermediary read timeouts but do not count as delivered
// events, so an idle session still ages out.
func (b *Broker) sweep() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.streams {
		if now.Sub(st.lastEventAt) > b.idleTimeout {
			b.log.Infof("session %s idle for %s, evicting", id, now.Sub(st.lastEventAt).Round(time.Second))
			delete(b.streams, id)
			st.close()
			continue
		}
		if err := st.conn.SendComment(now.UTC().Format(time.RFC3339)); err != nil {
			b.log.Debugf("heartbeat to session %s failed, evicting: %s", id, err)
			delete(b.streams, id)
			st.close()
		}
	}
}

// Close stops the heartbeat, force-closes every attached stream, and clears
// all state. Subsequent Attach calls fail.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*Stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.streams = map[string]*Stream{}
	b.mu.Unlock()

	close(b.stopHeartbeat)
	<-b.heartbeatDone
	for _, st := range streams {
		st.close()
	}
}
