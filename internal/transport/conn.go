// Package transport 封裝單一網路連線的訊息收發
//
// 每條連線有兩個角色：
//   - 讀取端：由擁有者（Session Coordinator）的 goroutine 呼叫 Receive
//   - 寫入端：由連線自己的 writePump goroutine 獨佔，Send 只把訊息放進佇列
//
// 寫入端只有一個 goroutine，所以不需要寫鎖；Send 永不阻塞，
// 佇列滿代表對端讀取太慢，呼叫者應關閉這條連線。
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Conn 一條雙向連線
type Conn interface {
	// ID 連線 ID，在行程生命週期內唯一
	ID() string
	// RemoteAddr 對端地址
	RemoteAddr() string
	// Send 把一則已編碼的訊息放入發送佇列
	Send(frame []byte) error
	// Receive 阻塞直到收到完整訊息；連線結束時返回錯誤碼為 EOF 或 CONNECTION_ERROR 的錯誤
	Receive() ([]byte, error)
	// Close 關閉連線，可重複呼叫；會立即喚醒阻塞中的 Receive
	Close(cause error)
	// Done 連線關閉後被關閉的 channel
	Done() <-chan struct{}
}

// Options 連線配置
type Options struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration // 0 表示不限制（僅 TCP）
	MaxMessageSize int
}

// DefaultOptions 預設連線配置
func DefaultOptions() Options {
	return Options{
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// 預定義錯誤
var (
	ErrSendQueueFull = apperr.New(apperr.ErrCodeConnection, "send queue full")
	ErrClosed        = apperr.New(apperr.ErrCodeConnection, "connection closed")
)

// base TCP 與 WebSocket 共用的佇列與關閉邏輯
type base struct {
	id        string
	remote    string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cause     error // 只在 done 關閉前寫入一次
}

func (b *base) init(remote string, queueSize int) {
	if queueSize <= 0 {
		queueSize = DefaultOptions().SendQueueSize
	}
	b.id = uuid.NewString()
	b.remote = remote
	b.send = make(chan []byte, queueSize)
	b.done = make(chan struct{})
}

// ID 連線 ID
func (b *base) ID() string { return b.id }

// RemoteAddr 對端地址
func (b *base) RemoteAddr() string { return b.remote }

// Done 關閉通知
func (b *base) Done() <-chan struct{} { return b.done }

// Send 非阻塞放入佇列
func (b *base) Send(frame []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// markClosed 記錄關閉原因，只有第一次呼叫返回 true
func (b *base) markClosed(cause error) bool {
	first := false
	b.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		b.cause = cause
		close(b.done)
		first = true
	})
	return first
}

// isClosed 是否已關閉
func (b *base) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// closedError 關閉後 Receive 返回的錯誤
//
// 原因本身若已是 EOF / CONNECTION_ERROR 就原樣返回，否則包成 CONNECTION_ERROR。
func (b *base) closedError() error {
	if apperr.IsClosed(b.cause) {
		return b.cause
	}
	return apperr.Wrap(b.cause, apperr.ErrCodeConnection, "connection closed")
}

// drain 在期限內盡量送出佇列中剩餘的訊息
func (b *base) drain(deadline time.Time, write func([]byte, time.Time) error) {
	for {
		select {
		case frame := <-b.send:
			if time.Now().After(deadline) {
				return
			}
			if err := write(frame, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

// isTimeout 判斷是否為逾時錯誤
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
