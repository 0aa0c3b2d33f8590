package socket

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// conn wraps a single established websocket connection and its read/write
// pumps. It is created by the Manager after a successful handshake and lives
// until the transport drops or the Manager tears it down.
type conn struct {
	ws          *websocket.Conn
	writeStream chan *Event
	readStream  chan<- *Event
	done        chan struct{}
	closeOnce   sync.Once
	ticker      *time.Ticker
	logger      *slog.Logger
	// notifyClose is called exactly once when the read loop exits.
	notifyClose func(c *conn, err error)
}

func newConn(ws *websocket.Conn, readStream chan<- *Event, logger *slog.Logger, notifyClose func(*conn, error)) *conn {
	return &conn{
		ws:          ws,
		writeStream: make(chan *Event, 100),
		readStream:  readStream,
		done:        make(chan struct{}),
		ticker:      time.NewTicker(pingPeriod),
		logger:      logger,
		notifyClose: notifyClose,
	}
}

// send queues an event for the write loop. It never blocks forever: once the
// connection is closing the event is rejected.
func (c *conn) send(e *Event) error {
	select {
	case <-c.done:
		return ErrNotConnected
	case c.writeStream <- e:
		return nil
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) readLoop() {
	var loopErr error
	defer func() {
		c.close()
		c.ws.Close()
		c.notifyClose(c, loopErr)
		c.logger.Debug("read loop stopped")
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			loopErr = err
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		select {
		case c.readStream <- &event:
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeLoop() {
	var err error
	defer func() {
		c.ticker.Stop()
		if err != nil {
			c.ws.Close()
		}
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-c.writeStream:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, werr := c.ws.NextWriter(websocket.TextMessage)
			if werr != nil {
				err = werr
				c.logger.Error(fmt.Sprintf("NextWriter: %v", werr))
				return
			}
			if eerr := EncodeEvent(w, e); eerr != nil {
				c.logger.Error(eerr.Error())
			}
			w.Close()
		case <-c.ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
