package tree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is a server-to-client websocket message. It mirrors the sync
// server's hub event.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Command is a client-to-server websocket message.
type Command struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Event types and command actions shared with the sync server. An error
// event means the server rejected the subscription and dropped it; a failure
// event means the server could not read the path but keeps the subscription.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
	EventFailure  = "failure"

	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Remote is a Client talking to a sync server: point operations go over HTTP
// and subscriptions share one lazily dialed websocket.
type Remote struct {
	base   *url.URL
	http   *http.Client
	dialer *gorillawebsocket.Dialer
	logger zerolog.Logger

	tokenMu sync.RWMutex
	token   string

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *gorillawebsocket.Conn
	topics  map[string]*remoteTopic
	queue   *dispatchQueue
	closed  bool
	done    chan struct{}

	retryMin     time.Duration
	retryMax     time.Duration
	reconnecting bool
}

type remoteTopic struct {
	subs   map[*Subscription]struct{}
	last   json.RawMessage
	primed bool
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.http = c }
}

// WithReconnectBackoff sets the delay bounds between websocket redials after
// the connection drops.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) RemoteOption {
	return func(r *Remote) {
		r.retryMin = minDelay
		r.retryMax = maxDelay
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(l zerolog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// NewRemote creates a client for the sync server at baseURL
// (for example "http://localhost:8080").
func NewRemote(baseURL string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	r := &Remote{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &gorillawebsocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: zerolog.Nop(),
		topics: make(map[string]*remoteTopic),
		queue:  newDispatchQueue(),
		done:   make(chan struct{}),

		retryMin: 250 * time.Millisecond,
		retryMax: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.queue.run()
	return r, nil
}

// SetToken sets the bearer token sent with every request. An open websocket
// keeps the token it was dialed with.
func (r *Remote) SetToken(token string) {
	r.tokenMu.Lock()
	r.token = token
	r.tokenMu.Unlock()
}

func (r *Remote) bearer() string {
	r.tokenMu.RLock()
	defer r.tokenMu.RUnlock()
	return r.token
}

// Close drops the websocket and every pending delivery.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	r.queue.close()
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

func (r *Remote) Get(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	body, err := r.do(ctx, "get", http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	if IsEmpty(body) {
		return nil, nil
	}
	return body, nil
}

func (r *Remote) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, "set", http.MethodPut, p, value)
	return err
}

func (r *Remote) Push(ctx context.Context, path string, value any) (string, error) {
	p, err := Clean(path)
	if err != nil {
		return "", err
	}
	body, err := r.do(ctx, "push", http.MethodPost, p, value)
	if err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Key == "" {
		return "", unavailable("push", p, fmt.Errorf("malformed push response %q", body))
	}
	return out.Key, nil
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, "remove", http.MethodDelete, p, nil)
	return err
}

func (r *Remote) do(ctx context.Context, op, method, p string, value any) ([]byte, error) {
	var body io.Reader
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + "/tree/" + p
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, unavailable(op, p, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := r.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, unavailable(op, p, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(op, p, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, serverMessage(data, resp.Status))
	default:
		return nil, unavailable(op, p, errors.New(serverMessage(data, resp.Status)))
	}
}

// serverMessage extracts the message of an echo error body.
func serverMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return status + ": " + e.Message
	}
	return status
}

func (r *Remote) Subscribe(ctx context.Context, path string, fn Listener) (*Subscription, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, unavailable("subscribe", p, ErrClosed)
	}
	if err := r.ensureConn(ctx); err != nil {
		return nil, unavailable("subscribe", p, err)
	}

	sub := newSubscription(p, fn)
	topic, ok := r.topics[p]
	if !ok {
		topic = &remoteTopic{subs: make(map[*Subscription]struct{})}
		r.topics[p] = topic
		if err := r.send(Command{Action: ActionSubscribe, Topics: []string{p}}); err != nil {
			delete(r.topics, p)
			return nil, unavailable("subscribe", p, err)
		}
	}
	topic.subs[sub] = struct{}{}
	if topic.primed {
		snap := topic.last
		r.queue.push(func() { sub.deliver(snap) })
	}
	sub.detach = func() { r.detach(sub) }
	return sub, nil
}

func (r *Remote) detach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic, ok := r.topics[sub.path]
	if !ok {
		return
	}
	delete(topic.subs, sub)
	if len(topic.subs) > 0 {
		return
	}
	delete(r.topics, sub.path)
	if r.conn != nil {
		if err := r.send(Command{Action: ActionUnsubscribe, Topics: []string{sub.path}}); err != nil {
			r.logger.Warn().Err(err).Str("path", sub.path).Msg("unsubscribe not sent")
		}
	}
}

// ensureConn dials the websocket if needed and re-subscribes topics left
// over from a dropped connection. Callers hold r.mu.
func (r *Remote) ensureConn(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	u := *r.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	header := http.Header{}
	if tok := r.bearer(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	r.conn = conn
	r.logger.Debug().Str("url", u.Redacted()).Msg("websocket connected")

	if len(r.topics) > 0 {
		paths := make([]string, 0, len(r.topics))
		for p, topic := range r.topics {
			topic.primed = false
			paths = append(paths, p)
		}
		if err := r.send(Command{Action: ActionSubscribe, Topics: paths}); err != nil {
			r.conn = nil
			conn.Close()
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	go r.readLoop(conn)
	return nil
}

func (r *Remote) send(cmd Command) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(cmd)
}

func (r *Remote) readLoop(conn *gorillawebsocket.Conn) {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			conn.Close()
			r.dropped(conn, err)
			return
		}

		switch ev.Type {
		case EventSnapshot:
			r.receive(ev)
		case EventError:
			r.reject(ev)
		case EventFailure:
			r.failTopic(ev)
		}
	}
}

// dropped reports a lost connection to every live subscription and starts
// redialing.
func (r *Remote) dropped(conn *gorillawebsocket.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.conn != conn {
		return
	}
	r.conn = nil
	r.logger.Error().Err(err).Int("topics", len(r.topics)).Msg("websocket closed; reconnecting")

	for p, topic := range r.topics {
		topic.primed = false
		r.failLocked(topic, unavailable("subscribe", p, err))
	}
	if len(r.topics) > 0 && !r.reconnecting {
		r.reconnecting = true
		go r.reconnect()
	}
}

// reconnect redials with exponential backoff until the connection is back,
// the client is closed or no topic is left to restore. ensureConn
// re-subscribes every topic, and each one gets a fresh snapshot.
func (r *Remote) reconnect() {
	delay := r.retryMin
	for {
		select {
		case <-r.done:
			return
		case <-time.After(delay):
		}

		r.mu.Lock()
		if r.closed || r.conn != nil || len(r.topics) == 0 {
			r.reconnecting = false
			r.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
		err := r.ensureConn(ctx)
		cancel()
		if err == nil {
			r.reconnecting = false
			r.mu.Unlock()
			r.logger.Info().Msg("websocket reconnected")
			return
		}
		r.mu.Unlock()

		r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("websocket redial failed")
		delay = min(delay*2, r.retryMax)
	}
}

// reject detaches every subscriber of a topic the server refused.
func (r *Remote) reject(ev Event) {
	err := unavailable("subscribe", ev.Topic, errors.New(ev.Error))

	r.mu.Lock()
	defer r.mu.Unlock()
	topic, ok := r.topics[ev.Topic]
	if !ok {
		r.logger.Error().Str("path", ev.Topic).Str("error", ev.Error).Msg("server error event")
		return
	}
	delete(r.topics, ev.Topic)
	for sub := range topic.subs {
		s := sub
		r.queue.push(func() {
			s.fail(err)
			s.Unsubscribe()
		})
	}
}

// failTopic passes a server read failure to a topic's subscribers, which
// stay attached.
func (r *Remote) failTopic(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic, ok := r.topics[ev.Topic]; ok {
		r.failLocked(topic, unavailable("subscribe", ev.Topic, errors.New(ev.Error)))
	}
}

func (r *Remote) failLocked(topic *remoteTopic, err error) {
	for sub := range topic.subs {
		s := sub
		r.queue.push(func() { s.fail(err) })
	}
}

func (r *Remote) receive(ev Event) {
	snap := ev.Data
	if IsEmpty(snap) {
		snap = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	topic, ok := r.topics[ev.Topic]
	if !ok {
		return
	}
	topic.last = snap
	topic.primed = true
	for sub := range topic.subs {
		s := sub
		r.queue.push(func() { s.deliver(snap) })
	}
}
