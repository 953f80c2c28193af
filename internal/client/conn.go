package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	connectKey               = "connect"
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	writeWait                = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// WebsocketURL derives the websocket endpoint from the gateway's base URL.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Handler receives the data of one pushed event.
type Handler func(data json.RawMessage)

type ManagerOptions struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL    string
	Tokens TokenSource
	// Dialer defaults to a websocket dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
	// ReconnectDelay is the backoff step. Attempt n waits n*ReconnectDelay,
	// capped at MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            zerolog.Logger
}

// Manager owns the single live connection of a client process. Consumers
// register interest with Connect or Acquire and release it with Disconnect
// or Lease.Release. The socket is closed when the last interest goes away.
type Manager struct {
	url      string
	tokens   TokenSource
	dialer   *websocket.Dialer
	delay    time.Duration
	maxDelay time.Duration
	log      zerolog.Logger

	group singleflight.Group

	mu            sync.Mutex
	refs          int
	state         State
	conn          *websocket.Conn
	stopReconnect chan struct{}
	handlers      map[string]map[int]Handler
	stateSubs     map[int]func(connected bool)
	nextId        int
	pending       map[string]chan types.Envelope

	writeMu sync.Mutex
	seq     atomic.Uint64
}

func NewManager(opts ManagerOptions) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay < delay {
		maxDelay = max(delay, defaultMaxReconnectDelay)
	}

	return &Manager{
		url:       opts.URL,
		tokens:    opts.Tokens,
		dialer:    dialer,
		delay:     delay,
		maxDelay:  maxDelay,
		log:       opts.Logger.With().Str("component", "conn").Logger(),
		handlers:  make(map[string]map[int]Handler),
		stateSubs: make(map[int]func(bool)),
		pending:   make(map[string]chan types.Envelope),
	}
}

// Connect registers one unit of interest and returns once the connection is
// up. Concurrent calls share a single dial. A failed call holds no interest.
func (m *Manager) Connect(ctx context.Context) error {
	if m.tokens == nil {
		return ErrNoToken
	}
	if _, ok := m.tokens.Token(); !ok {
		return ErrNoToken
	}

	m.mu.Lock()
	m.refs++
	connected := m.state == StateConnected
	m.mu.Unlock()
	if connected {
		return nil
	}

	ch := m.group.DoChan(connectKey, func() (any, error) {
		return nil, m.dial()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.Disconnect()
			return res.Err
		}
		return nil
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect releases one unit of interest. It is a no-op when nothing is
// held.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return
	}

	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}

	notify := m.teardownLocked()
	m.mu.Unlock()

	if notify {
		m.notifyState(false)
	}
}

// Lease is one unit of connection interest.
type Lease struct {
	m    *Manager
	once sync.Once
}

// Acquire connects and returns a lease. Releasing a lease more than once
// has no effect.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return &Lease{m: m}, nil
}

func (l *Lease) Release() {
	l.once.Do(l.m.Disconnect)
}

// Reset drops every handler and state listener and closes the connection
// regardless of outstanding interest. Used on logout.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.handlers = make(map[string]map[int]Handler)
	m.stateSubs = make(map[int]func(bool))
	m.refs = 0
	m.teardownLocked()
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Refs reports the outstanding interest.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// OnStateChange registers fn for connected/disconnected transitions.
func (m *Manager) OnStateChange(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextId
	m.nextId++
	m.stateSubs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// On registers h for pushed events named event.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextId
	m.nextId++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// Emit sends a frame without waiting for the server's answer.
func (m *Manager) Emit(event string, payload any) error {
	env, err := envelope("", event, payload)
	if err != nil {
		return err
	}
	return m.write(env)
}

// Request sends a frame and waits for its ack. A failed ack is returned as
// an *APIError.
func (m *Manager) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := strconv.FormatUint(m.seq.Add(1), 10)
	env, err := envelope(id, event, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan types.Envelope, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.write(env); err != nil {
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if ack.Response != nil && ack.Response.ResponseCode >= http.StatusBadRequest {
			return nil, &APIError{StatusCode: ack.Response.ResponseCode, Message: ack.Response.Error}
		}
		return ack.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func envelope(id, event string, payload any) (types.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return types.Envelope{Id: id, Event: event, Data: data, Timestamp: time.Now().UTC()}, nil
}

func (m *Manager) write(env types.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

// dial runs at most once at a time through the singleflight group.
func (m *Manager) dial() error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.refs == 0 {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.state = StateConnecting
	m.mu.Unlock()

	token, ok := m.tokens.Token()
	if !ok {
		m.setDisconnected()
		return ErrNoToken
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := m.dialer.DialContext(context.Background(), m.url, header)
	if err != nil {
		m.setDisconnected()
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	if m.refs == 0 {
		// every waiter gave up while dialing
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	m.log.Debug().Str("url", m.url).Msg("connected")
	go m.readLoop(conn)
	m.notifyState(true)

	return nil
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	if m.conn == nil {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
}

// teardownLocked closes the connection and stops reconnecting. It reports
// whether listeners should hear about the disconnect.
func (m *Manager) teardownLocked() bool {
	if m.stopReconnect != nil {
		close(m.stopReconnect)
		m.stopReconnect = nil
	}

	wasConnected := m.state == StateConnected
	m.state = StateDisconnected

	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() {
			m.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			m.writeMu.Unlock()
			conn.Close()
		}()
	}
	m.failPendingLocked()

	return wasConnected
}

func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.dropped(conn, err)
			return
		}

		if env.Event == types.EventAck {
			m.resolve(env)
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) resolve(ack types.Envelope) {
	m.mu.Lock()
	ch, ok := m.pending[ack.Id]
	if ok {
		delete(m.pending, ack.Id)
	}
	m.mu.Unlock()

	if ok {
		ch <- ack
	}
}

func (m *Manager) dispatch(env types.Envelope) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[env.Event]))
	for _, h := range m.handlers[env.Event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		m.safeCall(env.Event, func() { h(env.Data) })
	}
}

// safeCall keeps one bad event from stopping the read loop.
func (m *Manager) safeCall(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().Interface("panic", rec).Str("event", event).Msg("event handler panicked")
		}
	}()
	fn()
}

func (m *Manager) notifyState(connected bool) {
	m.mu.Lock()
	subs := make([]func(bool), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		m.safeCall("state", func() { fn(connected) })
	}
}

// dropped handles a connection lost without a Disconnect.
func (m *Manager) dropped(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// closed on purpose
		m.mu.Unlock()
		return
	}

	m.conn = nil
	m.state = StateDisconnected
	m.failPendingLocked()

	var stop chan struct{}
	if m.refs > 0 {
		if m.stopReconnect != nil {
			close(m.stopReconnect)
		}
		stop = make(chan struct{})
		m.stopReconnect = stop
	}
	m.mu.Unlock()

	conn.Close()
	m.log.Warn().Err(err).Msg("connection lost")
	m.notifyState(false)

	if stop != nil {
		go m.reconnect(stop)
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	return min(time.Duration(attempt)*m.delay, m.maxDelay)
}

func (m *Manager) reconnect(stop chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.stopReconnect == stop {
			m.stopReconnect = nil
		}
		m.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(m.backoff(attempt)):
		}

		if _, ok := m.tokens.Token(); !ok {
			m.log.Warn().Msg("session expired, not reconnecting")
			return
		}

		_, err, _ := m.group.Do(connectKey, func() (any, error) {
			return nil, m.dial()
		})
		if err == nil {
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}
