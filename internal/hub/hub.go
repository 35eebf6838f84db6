// Package hub provides the WebSocket fan-out for gateway monitoring events
// with per-topic replay buffers and lifecycle management.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Topics the gateway publishes on.
const (
	TopicSessions = "sessions"
	TopicCluster  = "cluster"
)

// Message wraps a payload with sequencing for replay.
type Message struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

// add appends a message, overwriting old entries when full.
func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns messages with Seq > since.
func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

var (
	wsConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixgate_ws_connections_total",
		Help: "Total number of WebSocket monitoring connections",
	})
	wsDisconnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixgate_ws_disconnections_total",
		Help: "Total number of WebSocket monitoring disconnections",
	})
	wsMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixgate_ws_messages_total",
		Help: "Total number of WebSocket monitoring messages broadcast",
	})
)

func init() {
	prometheus.MustRegister(wsConnections, wsDisconnections, wsMessages)
}

// Client represents a single WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]struct{}

	unregisterOnce sync.Once
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
}

// Hub manages monitoring clients and replays recent events to late joiners.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	clients map[*Client]struct{}

	buffers    map[string]*ringBuffer
	bufMu      sync.Mutex
	replaySize int

	seqMu   sync.Mutex
	nextSeq uint64

	upgrader websocket.Upgrader
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub with the given replay buffer size per topic and
// starts its run loop.
func NewHub(replaySize int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan Message, 1024),
		clients:    make(map[*Client]struct{}),
		buffers:    make(map[string]*ringBuffer),
		replaySize: replaySize,
		nextSeq:    1,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			wsConnections.Inc()
			h.log.Debug("monitoring client registered", zap.String("client_id", client.id))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				wsDisconnections.Inc()
				h.log.Debug("monitoring client unregistered", zap.String("client_id", client.id))
			}
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg Message) {
	h.bufMu.Lock()
	buf, ok := h.buffers[msg.Topic]
	if !ok {
		buf = newRingBuffer(h.replaySize)
		h.buffers[msg.Topic] = buf
	}
	buf.add(msg)
	h.bufMu.Unlock()

	for c := range h.clients {
		if !c.subscribed(msg.Topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping message for slow client",
				zap.String("client_id", c.id),
				zap.String("topic", msg.Topic))
		}
	}
	wsMessages.Inc()
}

// Broadcast publishes a payload to a topic for all subscribed clients.
func (h *Hub) Broadcast(topic string, data []byte) {
	h.seqMu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	h.seqMu.Unlock()

	select {
	case h.broadcast <- Message{Topic: topic, Seq: seq, Data: data}:
	default:
		h.log.Warn("broadcast channel full, dropping message",
			zap.String("topic", topic),
			zap.Uint64("seq", seq))
	}
}

// BroadcastJSON marshals the event and publishes it.
func (h *Hub) BroadcastJSON(topic string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("marshaling event failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.Broadcast(topic, data)
}

// Replay returns buffered messages for topic since the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.getSince(since)
	}
	return nil
}

// ServeWS upgrades HTTP to WS and registers the client under given clientID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{
		id:            clientID,
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// Shutdown stops the run loop and closes every client connection.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
	for client := range h.clients {
		client.conn.Close()
	}
	h.log.Info("monitoring hub stopped")
}

// readPump handles incoming subscription requests.
// Protocol: {"subscribe":["sessions"],"unsubscribe":["cluster"]}.
func (c *Client) readPump() {
	defer func() {
		c.unregisterOnce.Do(func() { c.hub.unregister <- c })
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var req map[string][]string
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		for _, topic := range req["subscribe"] {
			c.subscribe(topic)
			for _, m := range c.hub.Replay(topic, 0) {
				select {
				case c.send <- m:
				default:
				}
			}
		}
		for _, topic := range req["unsubscribe"] {
			c.unsubscribe(topic)
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
