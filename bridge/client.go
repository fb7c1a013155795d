package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procbridge/procbridge/bridge/sessions"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a bridge server over HTTP.
type Client struct {
	log     *zap.SugaredLogger
	baseURL string

	customizeRetryableClient func(*retryablehttp.Client)
	httpClient               *retryablehttp.Client
}

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithCustomizeRetryableClient adjusts the underlying retrying HTTP client.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the bridge at baseURL, e.g.
// "http://127.0.0.1:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		log:     log.Named("bridge_client"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}
	// The bridge's 5xx responses are semantic outcomes (worker down, request
	// timed out), not transient transport failures; only retry on
	// connection-level errors.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.httpClient = retryClient
	return c
}

// Submit forwards body on behalf of sessionID without waiting for the
// correlated result; the result arrives on the session's event stream.
func (c *Client) Submit(ctx context.Context, sessionID string, body any) error {
	_, err := c.post(ctx, sessionID, body, false)
	return err
}

// SubmitWait forwards body and blocks for the correlated response. Timeouts
// and worker crashes come back as errors carrying the synthetic protocol
// response.
func (c *Client) SubmitWait(ctx context.Context, sessionID string, body any) (json.RawMessage, error) {
	return c.post(ctx, sessionID, body, true)
}

// ReplyError is a non-2xx submission result; Body holds the server's
// protocol-shaped response when one was returned.
type ReplyError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("bridge returned status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, sessionID string, body any, wait bool) (json.RawMessage, error) {
	inner, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	payload, err := json.Marshal(envelope{Session: sessionID, Body: inner})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	u := c.baseURL + "/rpc"
	if wait {
		u += "?wait=1"
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &ReplyError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// Healthz fetches the server's health snapshot.
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	return &h, nil
}

// Attachment is one live WebSocket event stream.
type Attachment struct {
	sessionID string
	conn      *websocket.Conn
	frames    chan sessions.WSFrame

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Session returns the identifier resolved by the server's ready frame.
func (a *Attachment) Session() string { return a.sessionID }

// Frames returns the stream of named events. The channel closes when the
// connection does.
func (a *Attachment) Frames() <-chan sessions.WSFrame { return a.frames }

// Close tears the stream down.
func (a *Attachment) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		_ = a.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
}

// AttachWS opens the WebSocket attach variant of the event stream. An empty
// sessionID lets the server generate one; the resolved identifier is read
// from the initial ready frame before AttachWS returns.
func (c *Client) AttachWS(ctx context.Context, sessionID string) (*Attachment, error) {
	u := c.baseURL + "/events/ws"
	if strings.HasPrefix(u, "http") {
		u = "ws" + strings.TrimPrefix(u, "http")
	}
	if sessionID != "" {
		u += "?session=" + url.QueryEscape(sessionID)
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	var ready sessions.WSFrame
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		conn.Close(websocket.StatusInternalError, "no ready frame")
		return nil, fmt.Errorf("reading ready frame: %w", err)
	}
	if ready.Event != "ready" {
		conn.Close(websocket.StatusInternalError, "unexpected first frame")
		return nil, fmt.Errorf("expected ready frame, got %q", ready.Event)
	}
	var readyBody struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(ready.Data, &readyBody); err != nil {
		conn.Close(websocket.StatusInternalError, "bad ready frame")
		return nil, fmt.Errorf("decoding ready frame: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	a := &Attachment{
		sessionID: readyBody.Session,
		conn:      conn,
		frames:    make(chan sessions.WSFrame, 16),
		cancel:    cancel,
	}
	go a.readLoop(readCtx, c.log)
	return a, nil
}

func (a *Attachment) readLoop(ctx context.Context, log *zap.SugaredLogger) {
	defer close(a.frames)
	for {
		var frame sessions.WSFrame
		if err := wsjson.Read(ctx, a.conn, &frame); err != nil {
			log.Debugf("event stream closed: %s", err)
			return
		}
		select {
		case a.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}
