package testutils

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/protocol"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// RecordingSender 記錄收到的每一個 frame，用來取代真實連線
type RecordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	cause  error
	fail   bool
}

// NewRecordingSender 創建記錄用的連線
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

// Send 記錄 frame；FailSends 之後或關閉後返回錯誤
func (s *RecordingSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperr.ErrConnection.WithDetails("closed")
	}
	if s.fail {
		return apperr.ErrConnection.WithDetails("send queue full")
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

// Close 記錄關閉原因
func (s *RecordingSender) Close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
}

// FailSends 之後的 Send 都返回錯誤（模擬佇列已滿）
func (s *RecordingSender) FailSends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = true
}

// Closed 是否已被關閉，以及關閉原因
func (s *RecordingSender) Closed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.cause
}

// Messages 解碼所有收到的訊息
func (s *RecordingSender) Messages(t testing.TB) []protocol.Inbound {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]protocol.Inbound, 0, len(s.frames))
	for _, f := range s.frames {
		in, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %q: %v", f, err)
		}
		msgs = append(msgs, in)
	}
	return msgs
}

// Types 收到的訊息類型（依順序）
func (s *RecordingSender) Types(t testing.TB) []protocol.MessageType {
	t.Helper()

	msgs := s.Messages(t)
	types := make([]protocol.MessageType, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	return types
}

// Frames 原始 frame 的副本
func (s *RecordingSender) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Reset 清空已記錄的 frame
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// Last 最後一則指定類型的訊息，payload 解碼到 v
func (s *RecordingSender) Last(t testing.TB, typ protocol.MessageType, v any) bool {
	t.Helper()

	msgs := s.Messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(msgs[i].Payload, v); err != nil {
				t.Fatalf("decode %s payload: %v", typ, err)
			}
		}
		return true
	}
	return false
}

// RecordingPublisher 記錄所有發布的事件
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish 記錄事件
func (p *RecordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Close no-op
func (p *RecordingPublisher) Close() error { return nil }

// Types 已發布事件的類型（依順序）
func (p *RecordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

// Events 已發布事件的副本
func (p *RecordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}
