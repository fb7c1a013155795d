// Package bridge exposes a newline-delimited JSON child process over HTTP:
// synchronous POST submission plus asynchronous server-sent-events delivery.
// It correlates outbound requests to inbound worker responses by request
// identifier and survives worker crashes by failing in-flight requests and
// letting the supervisor restart the process underneath.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/procbridge/procbridge/bridge/sessions"
	"github.com/procbridge/procbridge/bridge/worker"
	"go.uber.org/zap"
)

var (
	// ErrWorkerUnavailable is returned when a submission cannot be written
	// to the worker process.
	ErrWorkerUnavailable = errors.New("worker is unavailable")
	// ErrDuplicateRequestID is returned when a submission reuses an
	// identifier that is still in flight.
	ErrDuplicateRequestID = errors.New("request id is already in flight")
	// ErrInvalidRequestID is returned when a request identifier is neither
	// a JSON string nor a JSON number.
	ErrInvalidRequestID = errors.New("request id must be a string or a number")
	// ErrWaitRequiresID is returned for an inline-reply submission whose
	// body carries no identifier to correlate the reply by.
	ErrWaitRequiresID = errors.New("inline reply requires a request id")
)

// Protocol-level error codes used in synthetic responses.
const (
	codeTimeout   = -32001
	codeCancelled = -32002
)

// The one named event delivered to session streams besides the initial
// "ready" event. Synthetic error responses share it: they are protocol
// payloads, not transport errors.
const eventMessage = "message"

const defaultRequestTimeout = 30 * time.Second

// PseudoSession owns bare submissions that carry no session metadata.
const PseudoSession = "default"

// Outcome is the terminal result of an inline-reply submission. Exactly one
// Outcome is delivered per waited request.
type Outcome struct {
	// Body is the correlated worker response, or a synthetic error response
	// when TimedOut or Cancelled is set.
	Body json.RawMessage
	// TimedOut is set when the request timeout fired first.
	TimedOut bool
	// Cancelled is set when the worker exited with the request in flight.
	Cancelled bool
}

// pendingRequest is one in-flight request awaiting a correlated response.
// Exactly one of resolution, timeout, and worker exit removes it.
type pendingRequest struct {
	id        string
	rawID     json.RawMessage
	sessionID string
	createdAt time.Time
	timer     *time.Timer
	// reply is non-nil only for inline-reply submissions. Buffered so the
	// single delivery never blocks the router.
	reply chan Outcome
}

// Bridge is the correlation router. It composes the worker supervisor and
// the session broker and owns the authoritative pending-request map.
type Bridge struct {
	log        *zap.SugaredLogger
	supervisor *worker.Supervisor
	broker     *sessions.Broker

	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest

	consumeDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Bridge.
type Option func(b *Bridge)

// WithLogger replaces the default development logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithRequestTimeout sets how long a pending request may wait for its
// correlated response.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.requestTimeout = d
	}
}

// New wires the supervisor's event stream into a new Bridge. The supervisor
// should not have been started yet; call Start next.
func New(supervisor *worker.Supervisor, broker *sessions.Broker, opts ...Option) *Bridge {
	b := &Bridge{
		supervisor:     supervisor,
		broker:         broker,
		requestTimeout: defaultRequestTimeout,
		pending:        map[string]*pendingRequest{},
		consumeDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(fmt.Sprintf("building logger: %s", err))
		}
		b.log = logger.Named("bridge").Sugar()
	}
	go b.consume()
	return b
}

// Start launches the worker process.
func (b *Bridge) Start() error {
	return b.supervisor.Start()
}

// Sessions returns the session broker, for attaching event streams.
func (b *Bridge) Sessions() *sessions.Broker {
	return b.broker
}

// Forward submits one protocol body to the worker on behalf of sessionID.
// When the body carries a request identifier, a pending entry is registered
// and armed with the request timeout before the write. For wait submissions
// the returned channel receives exactly one Outcome; otherwise it is nil and
// the caller should acknowledge the submission as accepted, not completed.
func (b *Bridge) Forward(sessionID string, body json.RawMessage, wait bool) (<-chan Outcome, error) {
	id, rawID, err := extractRequestID(body)
	if err != nil {
		return nil, err
	}
	if wait && id == "" {
		return nil, ErrWaitRequiresID
	}

	var p *pendingRequest
	if id != "" {
		p = &pendingRequest{
			id:        id,
			rawID:     rawID,
			sessionID: sessionID,
			createdAt: time.Now(),
		}
		if wait {
			p.reply = make(chan Outcome, 1)
		}

		b.mu.Lock()
		if _, exists := b.pending[id]; exists {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
		}
		b.pending[id] = p
		p.timer = time.AfterFunc(b.requestTimeout, func() {
			b.timeoutRequest(p)
		})
		b.mu.Unlock()
	}

	if err := b.supervisor.Send(body); err != nil {
		// Roll back the entry this call just created.
		if p != nil {
			b.takeExact(p)
		}
		b.log.Debugf("forward for session %s failed: %s", sessionID, err)
		return nil, fmt.Errorf("%w: %s", ErrWorkerUnavailable, err)
	}

	if p == nil || p.reply == nil {
		return nil, nil
	}
	return p.reply, nil
}

// take removes and returns the pending entry for id. It is the single
// linearization point shared by the resolution, timeout, and exit paths, so
// whichever fires first wins and the rest see nothing.
func (b *Bridge) take(id string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	p.timer.Stop()
	return p
}

// takeExact removes p only if it is still the registered entry for its id.
func (b *Bridge) takeExact(p *pendingRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.pending[p.id]
	if !ok || cur != p {
		return false
	}
	delete(b.pending, p.id)
	p.timer.Stop()
	return true
}

// consume drains the supervisor's event stream until Stop closes it.
func (b *Bridge) consume() {
	defer close(b.consumeDone)
	for ev := range b.supervisor.Events() {
		switch ev.Kind {
		case worker.EventMessage:
			b.resolve(ev.Message)
		case worker.EventExit:
			b.failAllPending(ev.ExitCode)
		case worker.EventError:
			b.log.Debugf("supervisor error: %s", ev.Err)
		}
	}
}

// resolve routes one worker message: to the matching pending entry when the
// identifier correlates, otherwise to every attached session as an
// uncorrelated push.
func (b *Bridge) resolve(msg json.RawMessage) {
	id, _, err := extractRequestID(msg)
	if err != nil {
		b.log.Warnf("worker message has unusable id, broadcasting: %s", err)
		id = ""
	}
	if id != "" {
		if p := b.take(id); p != nil {
			b.deliver(p, Outcome{Body: msg})
			return
		}
		b.log.Debugf("no pending entry for worker message id %s, broadcasting", id)
	}
	b.broker.Broadcast(eventMessage, func(string) any {
		return msg
	})
}

// deliver hands the outcome to the direct-reply destination if one is armed
// and publishes it on the owning session's stream.
func (b *Bridge) deliver(p *pendingRequest, out Outcome) {
	if p.reply != nil {
		p.reply <- out
	}
	if p.sessionID != "" {
		b.broker.Send(p.sessionID, eventMessage, out.Body)
	}
}

// timeoutRequest fires when no correlated response arrived in time. The
// synthetic error response reuses the original request identifier and is
// delivered exactly like a real response.
func (b *Bridge) timeoutRequest(p *pendingRequest) {
	if !b.takeExact(p) {
		return
	}
	b.log.Infof("request %s for session %s timed out after %s", p.id, p.sessionID, b.requestTimeout)
	body := syntheticError(p.rawID, codeTimeout, fmt.Sprintf("request timed out after %s", b.requestTimeout))
	b.deliver(p, Outcome{Body: body, TimedOut: true})
}

// failAllPending clears the pending set atomically on worker exit. No entry
// may straddle a restart.
func (b *Bridge) failAllPending(exitCode int) {
	b.mu.Lock()
	taken := b.pending
	b.pending = map[string]*pendingRequest{}
	b.mu.Unlock()

	if len(taken) == 0 {
		return
	}
	b.log.Infof("worker exited with code %d, cancelling %d pending requests", exitCode, len(taken))
	for _, p := range taken {
		p.timer.Stop()
		body := syntheticError(p.rawID, codeCancelled, "worker restarted, request cancelled")
		b.deliver(p, Outcome{Body: body, Cancelled: true})
	}
}

// PendingCount reports the number of in-flight requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Health is a point-in-time snapshot for the health endpoint.
type Health struct {
	WorkerRunning bool      `json:"workerRunning"`
	Restarts      int       `json:"restarts"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Sessions      int       `json:"sessions"`
	Pending       int       `json:"pending"`
}

// Healthz snapshots the bridge state.
func (b *Bridge) Healthz() Health {
	running, restarts, last := b.supervisor.Stats()
	return Health{
		WorkerRunning: running,
		Restarts:      restarts,
		LastMessageAt: last,
		Sessions:      b.broker.Count(),
		Pending:       b.PendingCount(),
	}
}

// Close stops the worker, fails any requests still pending, and closes every
// session stream. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		_ = b.supervisor.Stop()
		<-b.consumeDone
		b.failAllPending(-1)
		b.broker.Close()
	})
}

// syntheticError builds a protocol-shaped error response around the original
// request identifier.
func syntheticError(rawID json.RawMessage, code int, message string) json.RawMessage {
	body, err := json.Marshal(map[string]any{
		"id": rawID,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
	if err != nil {
		// Unreachable for these inputs; keep a well-formed fallback.
		return json.RawMessage(fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, code, message))
	}
	return body
}

// extractRequestID pulls the optional "id" member out of a protocol body and
// normalizes it to a string. Strings and numbers are the only valid identifier
// types.
func extractRequestID(body json.RawMessage) (id string, rawID json.RawMessage, err error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", nil, fmt.Errorf("parsing body: %w", err)
	}
	raw := probe.ID
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, fmt.Errorf("parsing request id: %w", err)
		}
		if s == "" {
			return "", nil, nil
		}
		return s, raw, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", nil, fmt.Errorf("parsing request id: %w", err)
		}
		return n.String(), raw, nil
	default:
		return "", nil, ErrInvalidRequestID
	}
}
