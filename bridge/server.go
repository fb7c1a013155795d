package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/procbridge/procbridge/bridge/sessions"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const maxBodyBytes = 4 << 20

// SessionHeader carries the caller's session identifier for bare submissions
// and stream attachments, alongside the "session" query parameter.
const SessionHeader = "X-Bridge-Session"

// Server is the HTTP front end: submission, event streams, and health.
type Server struct {
	log    *zap.SugaredLogger
	bridge *Bridge

	listenAddr string
	// defaultWait selects the reply mode for submissions that do not pass
	// an explicit wait parameter.
	defaultWait bool

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(s *Server)

// WithServerLogger replaces the default development logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("http").Sugar()
	}
}

// WithListenAddr sets the TCP listen address.
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithDefaultWait makes inline replies the default submission mode.
func WithDefaultWait(wait bool) ServerOption {
	return func(s *Server) {
		s.defaultWait = wait
	}
}

// NewServer wires the bridge behind an HTTP server.
func NewServer(b *Bridge, opts ...ServerOption) *Server {
	s := &Server{
		bridge:     b,
		listenAddr: "127.0.0.1:8080",
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(fmt.Sprintf("building logger: %s", err))
		}
		s.log = logger.Named("http").Sugar()
	}
	return s
}

// Run serves until Stop. It returns nil on a clean shutdown.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(listener)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	router := httprouter.New()
	router.POST("/rpc", s.submit)
	router.GET("/events", s.events)
	router.GET("/events/ws", s.eventsWS)
	router.GET("/healthz", s.healthz)

	server := &http.Server{Handler: router}
	s.httpServer = server

	s.log.Infof("listening on %s", listener.Addr())
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP server. The bridge itself is closed by its owner.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// envelope is submission shape (a): an explicit session wrapper.
type envelope struct {
	Session string          `json:"session"`
	Body    json.RawMessage `json:"body"`
}

// submit accepts either {"session": s, "body": o} or a bare protocol object.
// The wait query parameter selects inline-reply mode; without it the
// submission is acknowledged as accepted and the result arrives on the
// session's event stream.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading body: %s", err))
		return
	}

	sessionID, body, err := splitSubmission(r, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wait := s.defaultWait
	if v := r.URL.Query().Get("wait"); v != "" {
		wait = v == "1" || v == "true"
	}

	reply, err := s.bridge.Forward(sessionID, body, wait)
	switch {
	case err == nil:
	case errors.Is(err, ErrWorkerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if reply == nil {
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}

	select {
	case out := <-reply:
		switch {
		case out.TimedOut:
			writeRaw(w, http.StatusGatewayTimeout, out.Body)
		case out.Cancelled:
			writeRaw(w, http.StatusServiceUnavailable, out.Body)
		default:
			writeRaw(w, http.StatusOK, out.Body)
		}
	case <-r.Context().Done():
		// Caller went away; the pending entry resolves through its own
		// timeout or a late response and is delivered best-effort to the
		// session stream.
	}
}

// splitSubmission resolves the owning session and the protocol body from
// either accepted shape.
func splitSubmission(r *http.Request, raw []byte) (sessionID string, body json.RawMessage, err error) {
	if len(raw) == 0 {
		return "", nil, errors.New("empty body")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed JSON body: %s", err)
	}
	// Only a non-empty session paired with an object body is the envelope
	// shape. A bare protocol object may carry members named "session" or
	// "body" of its own and must not be mistaken for one.
	if env.Session != "" && len(env.Body) > 0 && env.Body[0] == '{' {
		return env.Session, env.Body, nil
	}

	// Bare protocol object: session comes from connection metadata, or the
	// fixed pseudo-session when none is present.
	if raw[0] != '{' {
		return "", nil, errors.New("body must be a JSON object")
	}
	sessionID = sessionFromRequest(r)
	if sessionID == "" {
		sessionID = PseudoSession
	}
	return sessionID, raw, nil
}

func sessionFromRequest(r *http.Request) string {
	if v := r.Header.Get(SessionHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("session")
}

// events attaches a server-sent-events stream for the session. The broker
// writes the initial ready event with the resolved identifier; the handler
// then parks until either side closes the stream.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// go-sse sets Content-Type; these defeat proxy buffering and caching.
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("upgrading to event stream: %s", err))
		return
	}

	st, err := s.bridge.Sessions().Attach(sessions.NewSSEConn(sess), sessionFromRequest(r))
	if err != nil {
		s.log.Debugf("SSE attach failed: %s", err)
		return
	}
	defer s.bridge.Sessions().Detach(st)

	select {
	case <-r.Context().Done():
	case <-st.Done():
	}
}

// eventsWS is the WebSocket attach variant: the same broker semantics with
// JSON frames instead of SSE events.
func (s *Server) eventsWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("WebSocket accept failed: %s", err)
		return
	}

	// The client never sends data frames; CloseRead surfaces disconnects.
	readCtx := conn.CloseRead(r.Context())

	st, err := s.bridge.Sessions().Attach(sessions.NewWSConn(readCtx, conn), sessionFromRequest(r))
	if err != nil {
		s.log.Debugf("WebSocket attach failed: %s", err)
		conn.Close(websocket.StatusInternalError, "attach failed")
		return
	}
	defer s.bridge.Sessions().Detach(st)

	select {
	case <-readCtx.Done():
	case <-st.Done():
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.bridge.Healthz())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
