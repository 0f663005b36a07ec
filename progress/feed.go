package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Feed pushes every tracker snapshot as JSON to connected websocket
// clients. A client receives the current snapshot on connect.
type Feed struct {
	tracker    *Tracker
	clients    map[*feedClient]struct{}
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type feedClient struct {
	feed *Feed
	conn *websocket.Conn
	send chan []byte
}

// NewFeed creates a feed over tracker. Run must be called to start it.
func NewFeed(tracker *Tracker) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		tracker:    tracker,
		clients:    make(map[*feedClient]struct{}),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		broadcast:  make(chan []byte, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run serves the feed until ctx is done or Close is called, then waits for
// every client goroutine to exit.
func (f *Feed) Run(ctx context.Context) {
	unsubscribe := f.tracker.Subscribe(func(s Snapshot) {
		data, err := json.Marshal(s)
		if err != nil {
			return
		}
		select {
		case f.broadcast <- data:
		default:
			// Slow hub; the next snapshot supersedes this one.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return
		case <-f.ctx.Done():
			f.shutdown()
			return
		case c := <-f.register:
			f.clients[c] = struct{}{}
		case c := <-f.unregister:
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}
		case msg := <-f.broadcast:
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
					delete(f.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (f *Feed) shutdown() {
	f.cancel()
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
	f.wg.Wait()
}

// Close stops Run.
func (f *Feed) Close() { f.cancel() }

// ServeHTTP upgrades the request to a websocket and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.ProgressMonitoring, "websocket upgrade failed", "err", err)
		return
	}
	c := &feedClient{feed: f, conn: conn, send: make(chan []byte, 16)}
	if data, err := json.Marshal(f.tracker.Snapshot()); err == nil {
		c.send <- data
	}
	f.wg.Add(2)
	select {
	case f.register <- c:
	case <-f.ctx.Done():
		f.wg.Add(-2)
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump drains client messages so pongs and close frames are handled.
func (c *feedClient) readPump() {
	defer c.feed.wg.Done()
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Trace(log.ProgressMonitoring, "websocket closed", "err", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.feed.wg.Done()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
