package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// DefaultHeartbeatInterval keeps the Phoenix socket alive.
const DefaultHeartbeatInterval = 30 * time.Second

// ChangeHandler receives postgres_changes in commit order per channel.
type ChangeHandler func(Change)

// RealtimeClient is one Realtime websocket carrying any number of channels.
type RealtimeClient struct {
	url       string
	heartbeat time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.RWMutex
	channels map[string]*Channel
	ref      int

	done    chan struct{}
	closeMu sync.Once
	errMu   sync.Mutex
	err     error
}

// Channel is a joined Realtime topic.
type Channel struct {
	client  *RealtimeClient
	topic   string
	joinRef string
	handler ChangeHandler
	joined  chan error
	once    sync.Once
}

// Realtime dials the project's Realtime socket.
func (c *Client) Realtime(ctx context.Context) (*RealtimeClient, error) {
	q := url.Values{}
	q.Set("apikey", c.config.ServiceKey)
	q.Set("vsn", "1.0.0")
	return DialRealtime(ctx, c.realtimeURL+"?"+q.Encode(), DefaultHeartbeatInterval)
}

// DialRealtime connects to a Realtime websocket URL.
func DialRealtime(ctx context.Context, wsURL string, heartbeat time.Duration) (*RealtimeClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	r := &RealtimeClient{
		url:       wsURL,
		heartbeat: heartbeat,
		conn:      conn,
		channels:  make(map[string]*Channel),
		done:      make(chan struct{}),
	}
	go r.readLoop()
	go r.heartbeatLoop()
	return r, nil
}

// Done is closed when the socket is gone.
func (r *RealtimeClient) Done() <-chan struct{} { return r.done }

// Err returns why the socket closed, nil after Close.
func (r *RealtimeClient) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Close leaves every channel and closes the socket.
func (r *RealtimeClient) Close() error {
	var err error
	r.closeMu.Do(func() {
		r.writeMu.Lock()
		err = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		_ = r.conn.Close()
		close(r.done)
	})
	return err
}

func (r *RealtimeClient) fail(err error) {
	r.closeMu.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		_ = r.conn.Close()
		close(r.done)
	})
}

func (r *RealtimeClient) nextRef() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) send(msg map[string]any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(msg)
}

// SubscribePostgresChanges joins a channel for cfg and waits for the server
// to acknowledge it. handler runs on the socket's reader goroutine.
func (r *RealtimeClient) SubscribePostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler ChangeHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = ChangeAll
	}

	topic := "realtime:" + cfg.Schema + ":" + cfg.Table
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}

	change := map[string]any{"event": string(cfg.Event), "schema": cfg.Schema, "table": cfg.Table}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}

	r.mu.Lock()
	if _, exists := r.channels[topic]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", topic)
	}
	ref := r.nextRef()
	ch := &Channel{client: r, topic: topic, joinRef: ref, handler: handler, joined: make(chan error, 1)}
	r.channels[topic] = ch
	r.mu.Unlock()

	err := r.send(map[string]any{
		"topic":    topic,
		"event":    "phx_join",
		"ref":      ref,
		"join_ref": ref,
		"payload": map[string]any{
			"config": map[string]any{"postgres_changes": []any{change}},
		},
	})
	if err != nil {
		r.dropChannel(topic)
		return nil, fmt.Errorf("send join: %w", err)
	}

	select {
	case err := <-ch.joined:
		if err != nil {
			r.dropChannel(topic)
			return nil, err
		}
		return ch, nil
	case <-r.done:
		return nil, errors.New("realtime socket closed during join")
	case <-ctx.Done():
		r.dropChannel(topic)
		return nil, ctx.Err()
	}
}

func (r *RealtimeClient) dropChannel(topic string) {
	r.mu.Lock()
	delete(r.channels, topic)
	r.mu.Unlock()
}

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.topic }

// Unsubscribe leaves the channel.
func (c *Channel) Unsubscribe() error {
	c.client.mu.Lock()
	delete(c.client.channels, c.topic)
	ref := c.client.nextRef()
	c.client.mu.Unlock()

	return c.client.send(map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": c.joinRef,
	})
}

func (r *RealtimeClient) readLoop() {
	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			r.fail(fmt.Errorf("realtime read: %w", err))
			return
		}
		r.dispatch(message)
	}
}

func (r *RealtimeClient) dispatch(message []byte) {
	if !gjson.ValidBytes(message) {
		return
	}
	msg := gjson.ParseBytes(message)
	topic := msg.Get("topic").String()

	r.mu.RLock()
	ch := r.channels[topic]
	r.mu.RUnlock()
	if ch == nil {
		return
	}

	switch event := msg.Get("event").String(); event {
	case "phx_reply":
		if msg.Get("ref").String() != ch.joinRef {
			return
		}
		var err error
		if status := msg.Get("payload.status").String(); status != "ok" {
			err = fmt.Errorf("join %s rejected: %s", topic, msg.Get("payload.response").Raw)
		}
		ch.once.Do(func() { ch.joined <- err })
	case "postgres_changes":
		if c, ok := parseChange(msg.Get("payload.data")); ok && ch.handler != nil {
			ch.handler(c)
		}
	case "INSERT", "UPDATE", "DELETE":
		if c, ok := parseChange(msg.Get("payload")); ok && ch.handler != nil {
			ch.handler(c)
		}
	case "phx_error", "phx_close":
		ch.once.Do(func() { ch.joined <- fmt.Errorf("channel %s %s", topic, event) })
	}
}

func parseChange(data gjson.Result) (Change, bool) {
	if !data.Exists() {
		return Change{}, false
	}
	c := Change{
		Type:   ChangeType(data.Get("type").String()),
		Schema: data.Get("schema").String(),
		Table:  data.Get("table").String(),
	}
	if c.Type == "" {
		return Change{}, false
	}
	if rec := data.Get("record"); rec.IsObject() {
		c.Record = []byte(rec.Raw)
	}
	if old := data.Get("old_record"); old.IsObject() {
		c.OldRecord = []byte(old.Raw)
	}
	if ts := data.Get("commit_timestamp").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.CommitAt = t
		}
	}
	return c, true
}

func (r *RealtimeClient) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRef()
			r.mu.Unlock()
			err := r.send(map[string]any{
				"topic":   "phoenix",
				"event":   "heartbeat",
				"payload": map[string]any{},
				"ref":     ref,
			})
			if err != nil {
				r.fail(fmt.Errorf("realtime heartbeat: %w", err))
				return
			}
		}
	}
}
