package bridge

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/procbridge/procbridge/bridge/sessions"
	"github.com/procbridge/procbridge/bridge/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLogger = l
}

// memConn collects the events a session stream receives.
type memConn struct {
	mu     sync.Mutex
	events []string
}

func (c *memConn) SendEvent(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, name+" "+string(data))
	return nil
}

func (c *memConn) SendComment(string) error { return nil }
func (c *memConn) Close()                   {}

func (c *memConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *memConn) waitForEvent(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if strings.Contains(ev, substr) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no event containing %q, got %v", substr, c.snapshot())
	return ""
}

func newTestBridge(t *testing.T, command string, args []string, opts ...Option) *Bridge {
	t.Helper()
	supervisor := worker.New(worker.Config{
		Command:      command,
		Args:         args,
		RestartDelay: 50 * time.Millisecond,
	}, worker.WithLogger(testLogger))
	broker := sessions.NewBroker(
		sessions.WithLogger(testLogger),
		sessions.WithHeartbeatInterval(time.Hour),
	)
	opts = append([]Option{WithLogger(testLogger)}, opts...)
	b := New(supervisor, broker, opts...)
	t.Cleanup(b.Close)
	require.NoError(t, b.Start())
	return b
}

func TestForwardResolvesInlineReply(t *testing.T) {
	b := newTestBridge(t, "cat", nil, WithRequestTimeout(5*time.Second))

	reply, err := b.Forward("s1", json.RawMessage(`{"id":"7","method":"ping"}`), true)
	require.NoError(t, err)

	select {
	case out := <-reply:
		assert.False(t, out.TimedOut)
		assert.False(t, out.Cancelled)
		assert.JSONEq(t, `{"id":"7","method":"ping"}`, string(out.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	assert.Equal(t, 0, b.PendingCount())
}

func TestResolutionDeliversToSessionStream(t *testing.T) {
	b := newTestBridge(t, "cat", nil, WithRequestTimeout(5*time.Second))

	conn := &memConn{}
	st, err := b.Sessions().Attach(conn, "s1")
	require.NoError(t, err)
	defer b.Sessions().Detach(st)

	_, err = b.Forward("s1", json.RawMessage(`{"id":"7","method":"ping"}`), false)
	require.NoError(t, err)

	ev := conn.waitForEvent(t, `"id":"7"`)
	assert.Contains(t, ev, "message ")
	assert.Equal(t, 0, b.PendingCount())
}

func TestNumericIDNormalization(t *testing.T) {
	b := newTestBridge(t, "cat", nil, WithRequestTimeout(5*time.Second))

	reply, err := b.Forward("s1", json.RawMessage(`{"id":42,"method":"ping"}`), true)
	require.NoError(t, err)
	select {
	case out := <-reply:
		assert.JSONEq(t, `{"id":42,"method":"ping"}`, string(out.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestTimeoutDeliversSyntheticError(t *testing.T) {
	// This worker swallows everything and never answers.
	b := newTestBridge(t, "sh", []string{"-c", "while read line; do :; done"},
		WithRequestTimeout(100*time.Millisecond))

	conn := &memConn{}
	st, err := b.Sessions().Attach(conn, "s1")
	require.NoError(t, err)
	defer b.Sessions().Detach(st)

	reply, err := b.Forward("s1", json.RawMessage(`{"id":"7","method":"ping"}`), true)
	require.NoError(t, err)

	select {
	case out := <-reply:
		assert.True(t, out.TimedOut)
		assert.Contains(t, string(out.Body), `"id":"7"`)
		assert.Contains(t, string(out.Body), "-32001")
		assert.Contains(t, string(out.Body), "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("no timeout outcome")
	}

	// The session stream sees the same synthetic response.
	conn.waitForEvent(t, "-32001")
	assert.Equal(t, 0, b.PendingCount())
}

func TestLateResponseAfterTimeoutIsNotDeliveredTwice(t *testing.T) {
	// The worker answers id 7 well after the request timeout.
	b := newTestBridge(t, "sh",
		[]string{"-c", `read line; sleep 0.5; echo '{"id":"7","result":"late"}'; cat >/dev/null`},
		WithRequestTimeout(100*time.Millisecond))

	reply, err := b.Forward("s1", json.RawMessage(`{"id":"7","method":"ping"}`), true)
	require.NoError(t, err)

	out := <-reply
	assert.True(t, out.TimedOut)

	// The late response finds no pending entry; the reply channel must not
	// receive a second outcome.
	time.Sleep(700 * time.Millisecond)
	select {
	case extra := <-reply:
		t.Fatalf("unexpected second outcome: %+v", extra)
	default:
	}
}

func TestLateResponseFallsBackToBroadcast(t *testing.T) {
	b := newTestBridge(t, "sh",
		[]string{"-c", `read line; sleep 0.3; echo '{"id":"9","result":"late"}'; cat >/dev/null`},
		WithRequestTimeout(50*time.Millisecond))

	conn := &memConn{}
	st, err := b.Sessions().Attach(conn, "watcher")
	require.NoError(t, err)
	defer b.Sessions().Detach(st)

	_, err = b.Forward("s1", json.RawMessage(`{"id":"9","method":"ping"}`), false)
	require.NoError(t, err)

	// After the pending entry timed out, the late response arrives with an
	// unknown id and is broadcast to every attached session.
	conn.waitForEvent(t, `"result":"late"`)
}

func TestUncorrelatedMessageBroadcasts(t *testing.T) {
	b := newTestBridge(t, "cat", nil, WithRequestTimeout(5*time.Second))

	a := &memConn{}
	c := &memConn{}
	stA, err := b.Sessions().Attach(a, "a")
	require.NoError(t, err)
	defer b.Sessions().Detach(stA)
	stC, err := b.Sessions().Attach(c, "c")
	require.NoError(t, err)
	defer b.Sessions().Detach(stC)

	// No id, so no pending entry; cat echoes it back uncorrelated.
	_, err = b.Forward("a", json.RawMessage(`{"method":"notify"}`), false)
	require.NoError(t, err)

	a.waitForEvent(t, `"method":"notify"`)
	c.waitForEvent(t, `"method":"notify"`)
}

func TestWorkerExitCancelsAllPending(t *testing.T) {
	// The worker never reads its input and dies shortly after start,
	// leaving both requests in flight.
	b := newTestBridge(t, "sh", []string{"-c", "sleep 0.3"},
		WithRequestTimeout(10*time.Second))

	s1 := &memConn{}
	s2 := &memConn{}
	st1, err := b.Sessions().Attach(s1, "s1")
	require.NoError(t, err)
	defer b.Sessions().Detach(st1)
	st2, err := b.Sessions().Attach(s2, "s2")
	require.NoError(t, err)
	defer b.Sessions().Detach(st2)

	_, err = b.Forward("s2", json.RawMessage(`{"id":"2","method":"b"}`), false)
	require.NoError(t, err)
	_, err = b.Forward("s1", json.RawMessage(`{"id":"1","method":"a"}`), false)
	require.NoError(t, err)

	ev1 := s1.waitForEvent(t, "-32002")
	assert.Contains(t, ev1, `"id":"1"`)
	ev2 := s2.waitForEvent(t, "-32002")
	assert.Contains(t, ev2, `"id":"2"`)

	assert.Equal(t, 0, b.PendingCount())
}

func TestForwardFailureRollsBackPending(t *testing.T) {
	supervisor := worker.New(worker.Config{Command: "cat"}, worker.WithLogger(testLogger))
	broker := sessions.NewBroker(sessions.WithLogger(testLogger), sessions.WithHeartbeatInterval(time.Hour))
	b := New(supervisor, broker, WithLogger(testLogger))
	t.Cleanup(b.Close)
	// Never started, so the send fails.

	_, err := b.Forward("s1", json.RawMessage(`{"id":"7"}`), false)
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Equal(t, 0, b.PendingCount())
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	b := newTestBridge(t, "sh", []string{"-c", "while read line; do :; done"},
		WithRequestTimeout(10*time.Second))

	_, err := b.Forward("s1", json.RawMessage(`{"id":"7","method":"a"}`), false)
	require.NoError(t, err)
	_, err = b.Forward("s1", json.RawMessage(`{"id":"7","method":"b"}`), false)
	assert.ErrorIs(t, err, ErrDuplicateRequestID)
}

func TestWaitRequiresID(t *testing.T) {
	b := newTestBridge(t, "cat", nil)
	_, err := b.Forward("s1", json.RawMessage(`{"method":"ping"}`), true)
	assert.ErrorIs(t, err, ErrWaitRequiresID)
}

func TestExtractRequestID(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "string id", body: `{"id":"7"}`, want: "7"},
		{name: "numeric id", body: `{"id":42}`, want: "42"},
		{name: "negative numeric id", body: `{"id":-3}`, want: "-3"},
		{name: "exponent id keeps literal form", body: `{"id":1e3}`, want: "1e3"},
		{name: "no id", body: `{"method":"x"}`, want: ""},
		{name: "null id", body: `{"id":null}`, want: ""},
		{name: "empty string id", body: `{"id":""}`, want: ""},
		{name: "boolean id", body: `{"id":true}`, wantErr: true},
		{name: "object id", body: `{"id":{}}`, wantErr: true},
		{name: "not json", body: `nope`, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, _, err := extractRequestID(json.RawMessage(c.body))
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, id)
		})
	}
}
