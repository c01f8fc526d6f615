package room

import (
	"fmt"
	"time"

	"github.com/koopa0/game-relay/internal/protocol"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Role 參與者角色，加入房間時決定，之後不再改變
type Role int

const (
	RolePlayer Role = iota + 1
	RoleSpectator
)

// String 協議中使用的角色名稱
func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "PLAYER"
	case RoleSpectator:
		return "SPECTATOR"
	default:
		return "UNKNOWN"
	}
}

// RoleFromMode 握手模式轉換為角色
func RoleFromMode(mode protocol.Mode) (Role, error) {
	switch mode {
	case protocol.ModePlay:
		return RolePlayer, nil
	case protocol.ModeSpectate:
		return RoleSpectator, nil
	default:
		return 0, apperr.ErrBadHandshake.WithDetails(fmt.Sprintf("unsupported mode %q", mode))
	}
}

// Phase 房間階段
//
//	WAITING → ACTIVE → ENDED
//
// 只會前進，不會倒退。
type Phase string

const (
	PhaseWaiting Phase = "WAITING" // 玩家未滿兩位
	PhaseActive  Phase = "ACTIVE"  // 兩位玩家到齊，接受輸入
	PhaseEnded   Phase = "ENDED"   // 遊戲結束或有玩家中途離開
)

// Sender 參與者的下行通道，由傳輸層連線實作
//
// Send 不得阻塞：它在房間鎖內被呼叫。
type Sender interface {
	Send(frame []byte) error
	Close(cause error)
}

// Participant 房間中的一條連線
//
// role、roomCode、index 由房間在持有房間鎖時寫入。
type Participant struct {
	ID       string
	Remote   string
	JoinedAt time.Time

	conn     Sender
	role     Role
	roomCode string
	index    int // 玩家編號（1 或 2），觀戰者為 0
}

// NewParticipant 建立參與者
func NewParticipant(id, remote string, conn Sender) *Participant {
	return &Participant{
		ID:     id,
		Remote: remote,
		conn:   conn,
	}
}

// Role 返回角色（加入前為 0）
func (p *Participant) Role() Role {
	return p.role
}

// RoomCode 返回所在房間代碼
func (p *Participant) RoomCode() string {
	return p.roomCode
}
