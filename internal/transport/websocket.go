package transport

import (
	"time"

	"github.com/gorilla/websocket"

	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// 心跳參數：54 秒送 Ping，60 秒內沒收到任何訊息（含 Pong）視為斷線
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConn 一個文字訊息即一則協議訊息的 WebSocket 連線
type WSConn struct {
	base
	conn *websocket.Conn
	opts Options
}

// NewWSConn 包裝已升級的 WebSocket 連線並啟動寫入 goroutine
func NewWSConn(conn *websocket.Conn, remote string, opts Options) *WSConn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultOptions().MaxMessageSize
	}

	c := &WSConn{
		conn: conn,
		opts: opts,
	}
	c.init(remote, opts.SendQueueSize)

	conn.SetReadLimit(int64(opts.MaxMessageSize))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()

	return c
}

// Receive 讀取下一則文字或二進位訊息
func (c *WSConn) Receive() ([]byte, error) {
	for {
		if c.isClosed() {
			return nil, c.closedError()
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, c.readError(err)
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// readError 把讀取錯誤轉成 EOF / CONNECTION_ERROR
func (c *WSConn) readError(err error) error {
	if c.isClosed() {
		return c.closedError()
	}

	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return apperr.Wrap(err, apperr.ErrCodeEOF, "peer closed connection")
	case isTimeout(err):
		return apperr.Wrap(err, apperr.ErrCodeConnection, "heartbeat timeout")
	default:
		return apperr.Wrap(err, apperr.ErrCodeConnection, "read failed")
	}
}

// Close 關閉連線
func (c *WSConn) Close(cause error) {
	if c.markClosed(cause) {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

// writePump 寫入端的唯一擁有者，同時負責送出 Ping
func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close(apperr.Wrap(err, apperr.ErrCodeConnection, "write failed"))
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close(apperr.Wrap(err, apperr.ErrCodeConnection, "ping failed"))
				return
			}

		case <-c.done:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			c.drain(deadline, c.writeFrame)
			// 嘗試發送關閉訊息，忽略錯誤（連接可能已關閉）
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// writeFrame 寫入一則文字訊息
func (c *WSConn) writeFrame(frame []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
