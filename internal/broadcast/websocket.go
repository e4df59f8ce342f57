package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var ErrSlowObserver = errors.New("observer send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSObserver streams events as JSON text frames to one websocket client.
type WSObserver struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewWSObserver(conn *websocket.Conn) *WSObserver {
	o := &WSObserver{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go o.writePump()
	return o
}

func (o *WSObserver) ID() string { return o.id }

func (o *WSObserver) Deliver(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}
	select {
	case o.send <- data:
		return nil
	case <-o.done:
		return ErrObserverClosed
	default:
		return ErrSlowObserver
	}
}

func (o *WSObserver) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		err = o.conn.Close()
	})
	return err
}

func (o *WSObserver) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.Close()
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.Close()
				return
			}
		case <-o.done:
			o.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump discards client frames and returns once the connection drops.
func (o *WSObserver) readPump() {
	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWS upgrades the request and keeps the client registered until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	o := NewWSObserver(conn)
	h.Register(o)
	h.log.Info().Str("observer", o.ID()).Str("remote", r.RemoteAddr).Msg("websocket client connected")
	o.readPump()
	h.Unregister(o.ID())
	h.log.Info().Str("observer", o.ID()).Msg("websocket client disconnected")
}
