package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/notify"
)

type received struct {
	env       notify.Envelope
	signature string
	body      []byte
}

type hookServer struct {
	mu   sync.Mutex
	got  []received
	fail bool
	srv  *httptest.Server
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	h := &hookServer{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.fail {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env notify.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.got = append(h.got, received{env: env, signature: r.Header.Get(notify.HeaderSignature), body: body})
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hookServer) deliveries() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.got...)
}

func (h *hookServer) setFail(v bool) {
	h.mu.Lock()
	h.fail = v
	h.mu.Unlock()
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func TestEventFilterGlobs(t *testing.T) {
	f, err := notify.NewEventFilter([]string{"task.*", " approval.denied "})
	require.NoError(t, err)
	assert.True(t, f.Match("task.created"))
	assert.True(t, f.Match("approval.denied"))
	assert.False(t, f.Match("approval.approved"))

	all, err := notify.NewEventFilter(nil)
	require.NoError(t, err)
	assert.True(t, all.Match("anything"))

	_, err = notify.NewEventFilter([]string{"task.["})
	assert.Error(t, err)
}

func TestSignatureRoundTrip(t *testing.T) {
	sig := notify.Sign("s3cret", []byte(`{"id":1}`))
	assert.True(t, notify.Verify("s3cret", []byte(`{"id":1}`), sig))
	assert.False(t, notify.Verify("other", []byte(`{"id":1}`), sig))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "foreman.task.created", notify.Subject("foreman", "task.created"))
	assert.Equal(t, "foreman.task.created", notify.Subject("foreman.", "task.created"))
	assert.Equal(t, "task.created", notify.Subject("", "task.created"))
}

func TestDispatcherDeliversNewEventsInOrder(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	_, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "before the sink existed", ActorID: "alice"})
	require.NoError(t, err)

	hooks := newHookServer(t)
	sink, err := notify.NewWebhookSink(config.Webhook{Name: "ops", URL: hooks.srv.URL, Secret: "s3cret", Events: []string{"task.*"}}, nil)
	require.NoError(t, err)
	d := &notify.Dispatcher{Repo: eng.Repo, Sinks: []notify.Sink{sink}}

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "history before the sink's first run is skipped")

	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "a", ActorID: "alice"})
	require.NoError(t, err)
	_, err = eng.RegisterAgent(ctx, engine.AgentOptions{ID: "agent-1"})
	require.NoError(t, err)
	_, err = eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "b", ActorID: "alice"})
	require.NoError(t, err)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got := hooks.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "task.created", got[0].env.Type)
	assert.Equal(t, task.ID, got[0].env.EntityID)
	assert.Less(t, got[0].env.ID, got[1].env.ID)
	assert.True(t, notify.Verify("s3cret", got[0].body, got[0].signature))

	cursor, err := eng.Repo.SinkCursor(ctx, "webhook:ops")
	require.NoError(t, err)
	latest, err := eng.Repo.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, cursor)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	hooks := newHookServer(t)
	sink, err := notify.NewWebhookSink(config.Webhook{URL: hooks.srv.URL}, nil)
	require.NoError(t, err)
	d := &notify.Dispatcher{Repo: eng.Repo, Sinks: []notify.Sink{sink}}
	_, err = d.DispatchOnce(ctx)
	require.NoError(t, err)

	_, err = eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "a", ActorID: "alice"})
	require.NoError(t, err)
	hooks.setFail(true)
	_, err = d.DispatchOnce(ctx)
	assert.Error(t, err)

	hooks.setFail(false)
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, hooks.deliveries(), 1)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	eng := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	hooks := newHookServer(t)
	sink, err := notify.NewWebhookSink(config.Webhook{URL: hooks.srv.URL}, nil)
	require.NoError(t, err)
	d := &notify.Dispatcher{Repo: eng.Repo, Sinks: []notify.Sink{sink}, Interval: 10 * time.Millisecond}
	_, err = d.DispatchOnce(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	_, err = eng.CreateTask(context.Background(), engine.TaskCreateOptions{Title: "a", ActorID: "alice"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(hooks.deliveries()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

// TestNATSSinkPublishes needs a reachable server in NATS_URL.
func TestNATSSinkPublishes(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	sink, err := notify.DialNATS(url, "foreman-test")
	require.NoError(t, err)
	t.Cleanup(sink.Close)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync("foreman-test.task.created")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, sink.Deliver(context.Background(), notify.Envelope{ID: 7, Type: "task.created", Payload: json.RawMessage(`{}`)}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "7", msg.Header.Get(nats.MsgIdHdr))
}
