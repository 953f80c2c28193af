package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/testutil"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: uuid.MustParse("11111111-1111-1111-1111-111111111111"), Username: "alice"}
	bob   = types.User{Id: uuid.MustParse("22222222-2222-2222-2222-222222222222"), Username: "bob"}

	testRoomId = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
)

func staticToken(token string) TokenSource {
	return TokenFunc(func() (string, bool) { return token, token != "" })
}

// ackFunc answers a frame that carries an id. A nil result acks 200 with
// no data.
type ackFunc func(env types.Envelope) (code int, data any)

// fakeChatServer is a websocket endpoint that records frames, acks them and
// can push events or drop connections.
type fakeChatServer struct {
	t   *testing.T
	srv *httptest.Server

	dials  atomic.Int32
	reject atomic.Bool
	// delay holds every upgrade until closed.
	delay chan struct{}

	mu      sync.Mutex
	conns   []*fakeConn
	frames  []types.Envelope
	headers []http.Header
	ack     ackFunc

	frameCh chan types.Envelope
}

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) write(env types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	t.Helper()

	fs := &fakeChatServer{t: t, frameCh: make(chan types.Envelope, 256)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)

		fs.mu.Lock()
		delay := fs.delay
		fs.headers = append(fs.headers, r.Header.Clone())
		fs.mu.Unlock()
		if delay != nil {
			<-delay
		}

		if fs.reject.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{conn: ws}

		fs.mu.Lock()
		fs.conns = append(fs.conns, fc)
		fs.mu.Unlock()

		fs.serve(fc)
	}))
	t.Cleanup(fs.close)

	return fs
}

func (fs *fakeChatServer) serve(fc *fakeConn) {
	defer fc.conn.Close()
	for {
		var env types.Envelope
		if err := fc.conn.ReadJSON(&env); err != nil {
			return
		}

		fs.mu.Lock()
		fs.frames = append(fs.frames, env)
		ack := fs.ack
		fs.mu.Unlock()

		select {
		case fs.frameCh <- env:
		default:
		}

		if env.Id == "" {
			continue
		}

		code, data := http.StatusOK, any(nil)
		if ack != nil {
			code, data = ack(env)
		}
		reply := types.Envelope{
			Id:        env.Id,
			Event:     types.EventAck,
			Timestamp: time.Now(),
			Response:  &types.Response{ResponseCode: code},
		}
		if code >= http.StatusBadRequest {
			reply.Response.Error = http.StatusText(code)
		}
		if data != nil {
			raw, _ := json.Marshal(data)
			reply.Data = raw
		}
		if err := fc.write(reply); err != nil {
			return
		}
	}
}

func (fs *fakeChatServer) close() {
	fs.mu.Lock()
	if fs.delay != nil {
		select {
		case <-fs.delay:
		default:
			close(fs.delay)
		}
	}
	fs.mu.Unlock()
	fs.dropAll()
	fs.srv.Close()
}

func (fs *fakeChatServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeChatServer) setAck(fn ackFunc) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.ack = fn
}

func (fs *fakeChatServer) openConns() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

// push sends an event to every open connection.
func (fs *fakeChatServer) push(event string, payload any) {
	fs.t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(fs.t, err)

	fs.mu.Lock()
	conns := append([]*fakeConn(nil), fs.conns...)
	fs.mu.Unlock()

	for _, c := range conns {
		c.write(types.Envelope{Event: event, Data: data, Timestamp: time.Now()})
	}
}

// dropAll cuts every connection without a close frame.
func (fs *fakeChatServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()

	for _, c := range conns {
		c.conn.UnderlyingConn().Close()
	}
}

// nextFrame waits for the next frame with the given event.
func (fs *fakeChatServer) nextFrame(event string) types.Envelope {
	fs.t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-fs.frameCh:
			if env.Event == event {
				return env
			}
		case <-timeout:
			fs.t.Fatalf("no %q frame received", event)
			return types.Envelope{}
		}
	}
}

func (fs *fakeChatServer) framesFor(event string) []types.Envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []types.Envelope
	for _, f := range fs.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func newTestManager(t *testing.T, url string, tokens TokenSource) *Manager {
	t.Helper()

	m := NewManager(ManagerOptions{
		URL:               url,
		Tokens:            tokens,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		Logger:            testutil.TestLogger(t),
	})
	t.Cleanup(m.Reset)
	return m
}

// stateRecorder collects state notifications.
type stateRecorder struct {
	ch chan bool
}

func recordStates(m *Manager) *stateRecorder {
	rec := &stateRecorder{ch: make(chan bool, 16)}
	m.OnStateChange(func(connected bool) { rec.ch <- connected })
	return rec
}

func (s *stateRecorder) expect(t *testing.T, connected bool) {
	t.Helper()
	select {
	case got := <-s.ch:
		require.Equal(t, connected, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no state change to connected=%v", connected)
	}
}

func testMessage(id string, content string) types.Message {
	return types.Message{
		Id:       uuid.MustParse(id),
		Content:  content,
		AuthorId: bob.Id,
		RoomId:   testRoomId,
	}
}
