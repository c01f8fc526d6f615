package room

import (
	"log/slog"

	"github.com/koopa0/game-relay/internal/protocol"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Broadcaster 把一則訊息送給一組參與者
//
// 呼叫者必須持有房間鎖，所有接收者因此看到相同的訊息順序。
// 送達失敗（佇列已滿或連線已關閉）的接收者會被關閉連線，
// 之後由它自己的讀取 goroutine 走正常的離開流程。
type Broadcaster struct {
	logger *slog.Logger
}

// NewBroadcaster 創建廣播器
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger}
}

// Broadcast 廣播訊息，返回成功送達的數量
func (b *Broadcaster) Broadcast(code string, recipients []*Participant, msg protocol.Message) int {
	if len(recipients) == 0 {
		return 0
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("編碼訊息失敗", "room_code", code, "type", msg.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, p := range recipients {
		if b.deliver(code, p, frame, msg.Type) {
			delivered++
		}
	}
	return delivered
}

// Unicast 送給單一參與者
func (b *Broadcaster) Unicast(code string, p *Participant, msg protocol.Message) bool {
	return b.Broadcast(code, []*Participant{p}, msg) == 1
}

func (b *Broadcaster) deliver(code string, p *Participant, frame []byte, typ protocol.MessageType) bool {
	if err := p.conn.Send(frame); err != nil {
		b.logger.Warn("訊息送達失敗，關閉接收者連線",
			"room_code", code,
			"conn_id", p.ID,
			"type", typ,
			"error", err)
		p.conn.Close(apperr.Wrap(err, apperr.ErrCodeConnection, "broadcast delivery failed"))
		return false
	}
	return true
}
