// Package wsgateway exposes the notify hub over websockets.
//
// Clients identify with the X-User-ID header or the user query parameter and
// may send {"op":"join","group":"..."} or {"op":"leave","group":"..."}.
package wsgateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"recworker/internal/notify"
	logx "recworker/pkg/logx"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	readLimit    = 4 << 10
)

type Config struct {
	SendBuffer int
	RatePerSec int
	// AllowedOrigins lists accepted Origin hosts; empty accepts any.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	return c
}

type clientOp struct {
	Op    string `json:"op"`
	Group string `json:"group"`
}

// Gateway is an http.Handler upgrading requests to hub connections.
type Gateway struct {
	hub      *notify.Hub
	cfg      Config
	log      logx.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(hub *notify.Hub, cfg Config, log logx.Logger) *Gateway {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{hub: hub, cfg: cfg, log: log, ctx: ctx, cancel: cancel}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" || a == host || (strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:])) {
			return true
		}
	}
	return false
}

func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-ID")); u != "" {
		return u
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		out:     make(chan []byte, g.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RatePerSec),
	}
	g.hub.OnConnect(c.id, user, c)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.writeLoop(c)
	}()
	go func() {
		defer g.wg.Done()
		g.readLoop(c)
		g.hub.OnDisconnect(c.id)
		c.close()
	}()
}

// Close disconnects every client and waits for their goroutines.
func (g *Gateway) Close(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readLoop(c *conn) {
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("websocket read failed", logx.String("conn", c.id), logx.Err(err))
			}
			return
		}
		var op clientOp
		if err := jsoniter.Unmarshal(msg, &op); err != nil {
			continue
		}
		group := strings.TrimSpace(op.Group)
		switch op.Op {
		case "join":
			// Personal groups of other users are off limits.
			if strings.HasPrefix(group, "user_") {
				continue
			}
			g.hub.JoinGroup(c.id, group)
		case "leave":
			g.hub.LeaveGroup(c.id, group)
		}
	}
}

func (g *Gateway) writeLoop(c *conn) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-g.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
			return
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.limiter.Wait(g.ctx); err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type conn struct {
	id      string
	ws      *websocket.Conn
	out     chan []byte
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

// Send queues payload unless the buffer is full or the connection closed.
func (c *conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- payload:
		return true
	default:
		return false
	}
}

func (c *conn) close() { c.once.Do(func() { close(c.done) }) }
