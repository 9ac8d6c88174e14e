package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const observerWriteTimeout = 5 * time.Second

// wsObserver pushes snapshots over one websocket connection
type wsObserver struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSObserver(conn *websocket.Conn) *wsObserver {
	return &wsObserver{
		id:   uuid.New().String(),
		conn: conn,
	}
}

func (o *wsObserver) ID() string {
	return o.id
}

// Send writes one text frame; gorilla connections allow a single concurrent writer
func (o *wsObserver) Send(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, payload)
}

// drain reads until the peer goes away; client input is ignored
func (o *wsObserver) drain() error {
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (o *wsObserver) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return o.conn.Close()
}
