package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// TCPConn 以換行分隔 JSON 的 TCP 連線
type TCPConn struct {
	base
	conn    net.Conn
	scanner *bufio.Scanner
	opts    Options
}

// NewTCPConn 包裝 TCP 連線並啟動寫入 goroutine
func NewTCPConn(conn net.Conn, opts Options) *TCPConn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultOptions().MaxMessageSize
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), opts.MaxMessageSize)

	c := &TCPConn{
		conn:    conn,
		scanner: scanner,
		opts:    opts,
	}
	c.init(conn.RemoteAddr().String(), opts.SendQueueSize)

	go c.writePump()

	return c
}

// Receive 讀取下一行，空行會被略過
func (c *TCPConn) Receive() ([]byte, error) {
	for {
		if c.isClosed() {
			return nil, c.closedError()
		}

		if c.opts.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}

		if !c.scanner.Scan() {
			return nil, c.readError(c.scanner.Err())
		}

		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// scanner 會重用緩衝區
		return append([]byte(nil), line...), nil
	}
}

// readError 把讀取錯誤轉成 EOF / CONNECTION_ERROR
func (c *TCPConn) readError(err error) error {
	if c.isClosed() {
		return c.closedError()
	}

	switch {
	case err == nil:
		return apperr.Wrap(io.EOF, apperr.ErrCodeEOF, "peer closed connection")
	case errors.Is(err, bufio.ErrTooLong):
		return apperr.Wrap(err, apperr.ErrCodeConnection, "message exceeds size limit")
	case isTimeout(err):
		return apperr.Wrap(err, apperr.ErrCodeConnection, "idle timeout")
	default:
		return apperr.Wrap(err, apperr.ErrCodeConnection, "read failed")
	}
}

// Close 關閉連線
//
// 讀取期限設為現在以喚醒 Receive；socket 由 writePump 在送完佇列後關閉，
// 所以關閉前放入佇列的訊息（例如 JoinRejected）仍會送達。
func (c *TCPConn) Close(cause error) {
	if c.markClosed(cause) {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

// writePump 寫入端的唯一擁有者
func (c *TCPConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close(apperr.Wrap(err, apperr.ErrCodeConnection, "write failed"))
				return
			}
		case <-c.done:
			c.drain(time.Now().Add(c.opts.WriteTimeout), c.writeFrame)
			return
		}
	}
}

// writeFrame 寫入一行
func (c *TCPConn) writeFrame(frame []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	_, err := c.conn.Write(buf)
	return err
}
