// Package session 驅動每一條連線從握手到離開的完整生命週期
//
// 每條連線的狀態：
//
//	CONNECTED → HANDSHAKING → PLAYER_WAITING | PLAYER_ACTIVE | SPECTATING → CLOSED
//
// 連線層級的錯誤只影響該連線：被拒絕的握手收到 JoinRejected 後關閉，
// 被丟棄的輸入收到 Error 後連線保持開啟，傳輸錯誤觸發離開流程。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/koopa0/game-relay/internal/limiter"
	"github.com/koopa0/game-relay/internal/protocol"
	"github.com/koopa0/game-relay/internal/room"
	"github.com/koopa0/game-relay/internal/transport"
	apperr "github.com/koopa0/game-relay/pkg/errors"
	"github.com/koopa0/game-relay/pkg/logger"
)

// State 連線狀態
type State string

const (
	StateConnected     State = "CONNECTED"
	StateHandshaking   State = "HANDSHAKING"
	StatePlayerWaiting State = "PLAYER_WAITING"
	StatePlayerActive  State = "PLAYER_ACTIVE"
	StateSpectating    State = "SPECTATING"
	StateClosed        State = "CLOSED"
)

// stateFor 由角色與房間階段推出連線狀態
func stateFor(role room.Role, phase room.Phase) State {
	switch {
	case role == room.RoleSpectator:
		return StateSpectating
	case phase == room.PhaseWaiting:
		return StatePlayerWaiting
	case phase == room.PhaseActive:
		return StatePlayerActive
	default:
		return StateClosed
	}
}

// maxJoinAttempts 房間在加入前被移除時的重試次數
const maxJoinAttempts = 3

// Options 協調器選項
type Options struct {
	HandshakeTimeout time.Duration // 0 表示不限制
	MaxCodeLength    int
}

// Coordinator 會話協調器
type Coordinator struct {
	registry *room.Registry
	limiter  limiter.Limiter // nil 表示不限流
	opts     Options
	logger   *slog.Logger

	active atomic.Int64
}

// NewCoordinator 創建會話協調器
func NewCoordinator(registry *room.Registry, lim limiter.Limiter, logger *slog.Logger, opts Options) *Coordinator {
	return &Coordinator{
		registry: registry,
		limiter:  lim,
		opts:     opts,
		logger:   logger,
	}
}

// ActiveConnections 目前正在服務的連線數
func (c *Coordinator) ActiveConnections() int64 {
	return c.active.Load()
}

// Serve 服務一條連線直到它關閉
//
// ctx 被取消時連線會被關閉。Serve 返回時連線一定已經關閉，
// 且若曾加入房間，離開流程已經恰好執行一次。
func (c *Coordinator) Serve(ctx context.Context, conn transport.Conn) {
	c.active.Add(1)
	defer c.active.Add(-1)

	ctx = logger.WithConnID(ctx, conn.ID())

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.ErrorContext(ctx, "連線處理發生 panic",
				"panic", rec,
				"stack", string(debug.Stack()))
			conn.Close(apperr.ErrInternal)
		}
	}()
	defer conn.Close(apperr.ErrEOF)

	stop := context.AfterFunc(ctx, func() {
		conn.Close(apperr.ErrConnection.WithDetails("server shutting down"))
	})
	defer stop()

	c.logger.DebugContext(ctx, "連線建立", "remote", conn.RemoteAddr(), "state", StateConnected)

	if !c.allow(ctx, conn) {
		c.reject(ctx, conn, apperr.ErrRateLimited)
		return
	}

	hs, err := c.handshake(ctx, conn)
	if err != nil {
		c.reject(ctx, conn, err)
		return
	}

	p, r, err := c.join(ctx, conn, hs)
	if err != nil {
		c.reject(ctx, conn, err)
		return
	}
	ctx = logger.WithRoomCode(ctx, r.Code())

	defer c.leave(ctx, p, r)

	c.loop(ctx, conn, p, r)
}

// allow 握手限流，後端故障時放行
func (c *Coordinator) allow(ctx context.Context, conn transport.Conn) bool {
	if c.limiter == nil {
		return true
	}

	ok, err := c.limiter.Allow(ctx, remoteHost(conn.RemoteAddr()))
	if err != nil {
		c.logger.WarnContext(ctx, "限流器錯誤，放行連線", "error", err)
	}
	if !ok {
		c.logger.InfoContext(ctx, "握手頻率超限", "remote", conn.RemoteAddr())
	}
	return ok
}

// handshake 讀取並解析第一則訊息
func (c *Coordinator) handshake(ctx context.Context, conn transport.Conn) (protocol.Handshake, error) {
	c.logger.DebugContext(ctx, "等待握手", "state", StateHandshaking)

	var timer *time.Timer
	if c.opts.HandshakeTimeout > 0 {
		timer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
			c.reject(ctx, conn, apperr.ErrBadHandshake.WithDetails("handshake timeout"))
		})
	}

	frame, err := conn.Receive()
	if timer != nil && !timer.Stop() {
		return protocol.Handshake{}, apperr.ErrBadHandshake.WithDetails("handshake timeout")
	}
	if err != nil {
		return protocol.Handshake{}, err
	}

	return protocol.ParseHandshake(frame, c.opts.MaxCodeLength)
}

// join 解析房間並加入；房間在加入前被移除時重新取得
func (c *Coordinator) join(ctx context.Context, conn transport.Conn, hs protocol.Handshake) (*room.Participant, *room.Room, error) {
	role, err := room.RoleFromMode(hs.Mode)
	if err != nil {
		return nil, nil, err
	}

	p := room.NewParticipant(conn.ID(), conn.RemoteAddr(), conn)

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		r, err := c.registry.GetOrCreate(hs.RoomCode)
		if err != nil {
			return nil, nil, err
		}

		res, err := r.Join(p, role)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		c.logger.InfoContext(ctx, "加入房間",
			"room_code", r.Code(),
			"role", res.Role,
			"player_index", res.PlayerIndex,
			"state", stateFor(res.Role, res.Phase))
		return p, r, nil
	}

	return nil, nil, apperr.ErrInternal.WithDetails("room closed repeatedly during join")
}

// loop 處理已加入房間的連線送來的訊息
func (c *Coordinator) loop(ctx context.Context, conn transport.Conn, p *room.Participant, r *room.Room) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			if apperr.CodeOf(err) == apperr.ErrCodeEOF {
				c.logger.InfoContext(ctx, "連線由對端關閉")
			} else {
				c.logger.WarnContext(ctx, "連線中斷", "error", err)
			}
			return
		}

		in, err := protocol.Decode(frame)
		if err != nil {
			c.sendError(ctx, conn, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "malformed message"))
			continue
		}

		switch in.Type {
		case protocol.TypeInput:
			if p.Role() == room.RoleSpectator {
				c.sendError(ctx, conn, apperr.ErrSpectatorCannotAct)
				continue
			}
			if err := r.ApplyInput(p, in.Payload); err != nil {
				c.logger.DebugContext(ctx, "輸入被丟棄", "error", err)
				c.sendError(ctx, conn, err)
			}

		case protocol.TypeChat:
			var chat protocol.ChatInput
			if err := json.Unmarshal(in.Payload, &chat); err != nil {
				c.sendError(ctx, conn, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "malformed chat"))
				continue
			}
			if err := r.Chat(p, chat.Text); err != nil {
				c.sendError(ctx, conn, err)
			}

		case protocol.TypePing:
			c.send(ctx, conn, protocol.Message{Type: protocol.TypePong})

		case protocol.TypeLeave:
			c.logger.InfoContext(ctx, "參與者主動離開")
			return

		default:
			c.sendError(ctx, conn, apperr.ErrInvalidInput.WithDetails("unknown message type "+string(in.Type)))
		}
	}
}

// leave 離開房間，房間變空時從註冊表移除
func (c *Coordinator) leave(ctx context.Context, p *room.Participant, r *room.Room) {
	empty, err := r.Leave(p)
	if err != nil {
		c.logger.WarnContext(ctx, "離開房間失敗", "error", err)
		return
	}
	if empty {
		c.registry.Remove(r.Code())
	}
	c.logger.DebugContext(ctx, "連線結束", "state", StateClosed)
}

// reject 回覆 JoinRejected 後關閉連線；佇列中的訊息會先送出
func (c *Coordinator) reject(ctx context.Context, conn transport.Conn, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.ErrCodeEOF || code == apperr.ErrCodeConnection {
		c.logger.DebugContext(ctx, "握手前連線已關閉", "error", err)
		conn.Close(err)
		return
	}

	c.logger.InfoContext(ctx, "拒絕加入", "code", code, "error", err)
	c.send(ctx, conn, protocol.Message{
		Type: protocol.TypeJoinRejected,
		Payload: protocol.JoinRejected{
			Code:    code,
			Message: apperr.MessageOf(err),
		},
	})
	conn.Close(err)
}

func (c *Coordinator) sendError(ctx context.Context, conn transport.Conn, err error) {
	c.send(ctx, conn, protocol.Message{
		Type: protocol.TypeError,
		Payload: protocol.Error{
			Code:    apperr.CodeOf(err),
			Message: apperr.MessageOf(err),
		},
	})
}

func (c *Coordinator) send(ctx context.Context, conn transport.Conn, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.ErrorContext(ctx, "編碼訊息失敗", "type", msg.Type, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		c.logger.DebugContext(ctx, "發送失敗", "type", msg.Type, "error", err)
	}
}

// remoteHost 取出 IP 作為限流 key
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
