package hub

// ============================================================================
// Hub Connection
// One websocket client: its socket, its outbound frame queue and the rooms
// it has joined. Reads happen on the hub's per-conn read loop; writes are
// serialized through the send channel and a single write pump.
// ============================================================================

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/umuve/livesync/pkg/types"
)

const (
	// sendQueueSize bounds per-conn outbound buffering. A full queue
	// marks the conn too slow and the hub drops it.
	sendQueueSize = 64

	writeWait = 10 * time.Second
)

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	rooms map[types.Room]struct{}

	// driverID is set once the conn identifies itself by pushing a
	// location; used for proximity fanout of new jobs.
	driverID string
	lastPos  types.Point
	hasPos   bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:    ws,
		send:  make(chan []byte, sendQueueSize),
		rooms: make(map[types.Room]struct{}),
	}
}

// enqueue queues a frame, reporting false when the conn is too slow.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket. Exits when the queue
// closes; the deferred socket close then unblocks the read loop.
func (c *conn) writePump() {
	defer c.ws.Close()
	for frame := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
