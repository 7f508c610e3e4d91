package api

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"dexohlc/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one live-stream peer. With no pair filter every price is sent.
type Client struct {
	conn        *websocket.Conn
	hub         *Hub
	ctrl        Controller
	feed        <-chan model.PricePoint
	unsubscribe func()
	remote      string
	control     chan []byte

	mu    sync.RWMutex
	pairs map[string]struct{}

	closeOnce sync.Once
}

// SubscribeMsg is a client request: SUBSCRIBE and UNSUBSCRIBE change the
// pair filter, REPLAY asks for retained prices with FromSeq <= seq <= ToSeq.
type SubscribeMsg struct {
	Type    string   `json:"type"`
	Pairs   []string `json:"pairs"`
	Ping    int64    `json:"ping,omitempty"`
	FromSeq uint64   `json:"fromSeq,omitempty"`
	ToSeq   uint64   `json:"toSeq,omitempty"`
}

// ReplayMsg answers a REPLAY request in one frame.
type ReplayMsg struct {
	Type    string             `json:"type"`
	FromSeq uint64             `json:"fromSeq"`
	Data    []model.PricePoint `json:"data"`
}

// PriceMsg is a live price frame.
type PriceMsg struct {
	Type string           `json:"type"`
	Data model.PricePoint `json:"data"`
}

func newClient(conn *websocket.Conn, hub *Hub, ctrl Controller, feed <-chan model.PricePoint, unsubscribe func(), remote string) *Client {
	return &Client{
		conn:        conn,
		hub:         hub,
		ctrl:        ctrl,
		feed:        feed,
		unsubscribe: unsubscribe,
		remote:      remote,
		control:     make(chan []byte, 16),
		pairs:       make(map[string]struct{}),
	}
}

func (c *Client) setPairs(pairs []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if add {
			c.pairs[p] = struct{}{}
		} else {
			delete(c.pairs, p)
		}
	}
}

func (c *Client) wants(pair string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pairs) == 0 {
		return true
	}
	_, ok := c.pairs[pair]
	return ok
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		c.conn.Close()
		c.hub.remove(c)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case p, ok := <-c.feed:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !c.wants(p.Pair) {
				continue
			}
			msg, err := json.Marshal(PriceMsg{Type: "price", Data: p})
			if err != nil {
				continue
			}
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case msg := <-c.control:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) write(kind int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, msg) == nil
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg SubscribeMsg
		if json.Unmarshal(raw, &msg) != nil {
			c.reply(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}
		switch strings.ToUpper(msg.Type) {
		case "SUBSCRIBE":
			c.setPairs(msg.Pairs, true)
			c.reply(map[string]interface{}{"type": "subscribed", "pairs": msg.Pairs})
		case "UNSUBSCRIBE":
			c.setPairs(msg.Pairs, false)
			c.reply(map[string]interface{}{"type": "unsubscribed", "pairs": msg.Pairs})
		case "REPLAY":
			c.replay(msg.FromSeq, msg.ToSeq)
		default:
			if msg.Ping > 0 {
				c.reply(map[string]interface{}{"type": "pong", "ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
			}
		}
	}
}

func (c *Client) replay(from, to uint64) {
	points := c.ctrl.Replay(from, to)
	out := make([]model.PricePoint, 0, len(points))
	for _, p := range points {
		if c.wants(p.Pair) {
			out = append(out, p)
		}
	}
	c.reply(ReplayMsg{Type: "replay", FromSeq: from, Data: out})
}

// reply queues a control frame, dropping it if the client is backed up.
func (c *Client) reply(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.control <- msg:
	default:
	}
}
