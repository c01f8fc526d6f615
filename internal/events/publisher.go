// Package events 把房間生命週期事件推送給外部觀察者
//
// 這裡只做通知，不做持久化：訂閱者（例如大廳列表、監控面板）
// 透過 NATS subject 即時得知房間建立、開局、結束與人員進出。
//
// Subject 命名：<prefix>.<room_code>.<event_type>
// 範例：relay.rooms.ABC.game_started
package events

import (
	"context"
	"strings"
	"time"
)

// Type 事件類型
type Type string

const (
	RoomCreated       Type = "room_created"
	RoomRemoved       Type = "room_removed"
	ParticipantJoined Type = "participant_joined"
	ParticipantLeft   Type = "participant_left"
	GameStarted       Type = "game_started"
	GameEnded         Type = "game_ended"
)

// Event 房間事件
type Event struct {
	Type         Type      `json:"type"`
	RoomCode     string    `json:"room_code"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Role         string    `json:"role,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Players      int       `json:"players"`
	Spectators   int       `json:"spectators"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher 事件發布者
//
// Publish 不得阻塞太久：房間在釋放鎖之後同步呼叫它。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 不發布任何事件（未啟用 NATS 時使用）
type NopPublisher struct{}

// Publish 丟棄事件
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close no-op
func (NopPublisher) Close() error { return nil }

// Subject 計算事件的 subject
//
// 房間代碼中的 '.'、'*'、'>' 在 NATS subject 中有特殊意義，替換為 '_'。
func Subject(prefix string, event Event) string {
	code := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>':
			return '_'
		}
		return r
	}, event.RoomCode)

	return prefix + "." + code + "." + string(event.Type)
}
