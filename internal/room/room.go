package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/game"
	"github.com/koopa0/game-relay/internal/protocol"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// MaxPlayers 每個房間的玩家上限
const MaxPlayers = 2

// MaxChatLength 聊天訊息長度上限（字元數）
const MaxChatLength = 512

var (
	// ErrRoomClosed 房間已被移出註冊表，呼叫者應重新 GetOrCreate
	ErrRoomClosed = errors.New("room closed")
	// ErrNotInRoom 參與者不在此房間
	ErrNotInRoom = errors.New("participant not in room")
	// ErrAlreadyJoined 參與者已經加入過房間
	ErrAlreadyJoined = errors.New("participant already joined")
)

// Room 一局遊戲的共享狀態
//
// 所有變更都在 mu 內完成，並在同一個臨界區內把訊息放進每個接收者的
// 發送佇列，所以同一房間的所有參與者看到完全相同的訊息順序。
// 外部事件（NATS）在釋放鎖之後才發布。
type Room struct {
	code        string
	rules       game.Rules
	broadcaster *Broadcaster
	publisher   events.Publisher
	logger      *slog.Logger
	createdAt   time.Time

	mu         sync.Mutex
	players    []*Participant
	spectators []*Participant
	phase      Phase
	state      json.RawMessage
	seq        uint64
	closed     bool
	updatedAt  time.Time
}

// JoinResult 加入結果
type JoinResult struct {
	Role        Role
	PlayerIndex int
	Phase       Phase
	GameStarted bool
}

// Snapshot 房間快照（管理 API 使用）
type Snapshot struct {
	Code       string                `json:"room_code"`
	Phase      Phase                 `json:"phase"`
	Rules      string                `json:"rules"`
	Seq        uint64                `json:"seq"`
	Players    []protocol.PlayerInfo `json:"players"`
	Spectators int                   `json:"spectators"`
	State      json.RawMessage       `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func newRoom(code string, rules game.Rules, broadcaster *Broadcaster, publisher events.Publisher, logger *slog.Logger) *Room {
	now := time.Now()
	return &Room{
		code:        code,
		rules:       rules,
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logger.With("room_code", code),
		createdAt:   now,
		phase:       PhaseWaiting,
		state:       rules.Initial(),
		updatedAt:   now,
	}
}

// Code 房間代碼（已正規化）
func (r *Room) Code() string {
	return r.code
}

// Phase 目前階段
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Counts 玩家與觀戰者數量
func (r *Room) Counts() (players, spectators int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players), len(r.spectators)
}

// IsEmpty 房間是否沒有任何參與者
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isEmptyLocked()
}

// Join 加入房間
//
// 成功時依序送出：
//  1. JoinAccepted 給加入者
//  2. PeerJoined 給其他參與者
//  3. GameStart 給所有人（第二位玩家加入時）
//  4. RoomState 給所有人
//
// 玩家已滿或遊戲已結束時返回 ROOM_FULL；觀戰者總是可以加入。
func (r *Room) Join(p *Participant, role Role) (JoinResult, error) {
	var evs []events.Event

	r.mu.Lock()
	result, err := r.joinLocked(p, role, &evs)
	r.mu.Unlock()

	r.publish(evs)
	return result, err
}

func (r *Room) joinLocked(p *Participant, role Role, evs *[]events.Event) (JoinResult, error) {
	if r.closed {
		return JoinResult{}, ErrRoomClosed
	}
	if p.role != 0 {
		return JoinResult{}, ErrAlreadyJoined
	}

	switch role {
	case RolePlayer:
		if len(r.players) >= MaxPlayers {
			return JoinResult{}, apperr.ErrRoomFull
		}
		if r.phase == PhaseEnded {
			return JoinResult{}, apperr.ErrRoomFull.WithDetails("game already ended")
		}
		r.players = append(r.players, p)
		p.index = len(r.players)
	case RoleSpectator:
		r.spectators = append(r.spectators, p)
	default:
		return JoinResult{}, apperr.ErrBadHandshake.WithDetails(fmt.Sprintf("unsupported role %d", role))
	}

	p.role = role
	p.roomCode = r.code
	p.JoinedAt = time.Now()
	r.updatedAt = p.JoinedAt

	r.broadcaster.Unicast(r.code, p, protocol.Message{
		Type: protocol.TypeJoinAccepted,
		Payload: protocol.JoinAccepted{
			RoomCode:     r.code,
			ConnectionID: p.ID,
			Role:         role.String(),
			PlayerIndex:  p.index,
			Phase:        string(r.phase),
			Rules:        r.rules.Name(),
		},
	})

	r.broadcaster.Broadcast(r.code, r.othersLocked(p), protocol.Message{
		Type:    protocol.TypePeerJoined,
		Payload: r.peerEventLocked(p),
	})
	*evs = append(*evs, r.eventLocked(events.ParticipantJoined, p, ""))

	started := false
	if role == RolePlayer && len(r.players) == MaxPlayers && r.phase == PhaseWaiting {
		r.phase = PhaseActive
		started = true

		r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
			Type: protocol.TypeGameStart,
			Payload: protocol.GameStart{
				RoomCode: r.code,
				Players:  r.playerInfosLocked(),
			},
		})
		*evs = append(*evs, r.eventLocked(events.GameStarted, nil, ""))
		r.logger.Info("遊戲開始", "players", r.playerIDsLocked())
	}

	r.broadcastStateLocked()

	r.logger.Info("參與者加入房間",
		"conn_id", p.ID,
		"role", role,
		"player_index", p.index,
		"players", len(r.players),
		"spectators", len(r.spectators))

	return JoinResult{
		Role:        role,
		PlayerIndex: p.index,
		Phase:       r.phase,
		GameStarted: started,
	}, nil
}

// Leave 離開房間，返回房間是否已空
//
// 遊戲進行中的玩家離開時，先送出 GameEnd(PLAYER_DISCONNECTED) 並進入 ENDED，
// 再送出 PeerLeft 與 RoomState。同一參與者重複呼叫返回 ErrNotInRoom。
func (r *Room) Leave(p *Participant) (bool, error) {
	var evs []events.Event

	r.mu.Lock()
	empty, err := r.leaveLocked(p, &evs)
	r.mu.Unlock()

	r.publish(evs)
	return empty, err
}

func (r *Room) leaveLocked(p *Participant, evs *[]events.Event) (bool, error) {
	var removed bool
	switch p.role {
	case RolePlayer:
		r.players, removed = without(r.players, p)
	case RoleSpectator:
		r.spectators, removed = without(r.spectators, p)
	}
	if !removed {
		return r.isEmptyLocked(), ErrNotInRoom
	}
	r.updatedAt = time.Now()

	if p.role == RolePlayer {
		switch r.phase {
		case PhaseWaiting:
			// 座位重新編號：剩下的玩家成為 1 號
			for i, pl := range r.players {
				pl.index = i + 1
			}
		case PhaseActive:
			r.phase = PhaseEnded
			r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
				Type: protocol.TypeGameEnd,
				Payload: protocol.GameEnd{
					RoomCode: r.code,
					Reason:   protocol.ReasonPlayerDisconnected,
				},
			})
			*evs = append(*evs, r.eventLocked(events.GameEnded, p, protocol.ReasonPlayerDisconnected))
			r.logger.Info("玩家中途離開，遊戲結束", "conn_id", p.ID)
		}
	}

	remaining := r.everyoneLocked()
	r.broadcaster.Broadcast(r.code, remaining, protocol.Message{
		Type:    protocol.TypePeerLeft,
		Payload: r.peerEventLocked(p),
	})
	r.broadcastStateLocked()
	*evs = append(*evs, r.eventLocked(events.ParticipantLeft, p, ""))

	r.logger.Info("參與者離開房間",
		"conn_id", p.ID,
		"role", p.role,
		"players", len(r.players),
		"spectators", len(r.spectators))

	return r.isEmptyLocked(), nil
}

// ApplyInput 套用玩家輸入
//
// 檢查順序：是否為本房間玩家 → 是否在 ACTIVE → 遊戲規則。
// 任何檢查失敗都不改變狀態也不廣播。成功時 seq 加一並廣播 RoomState；
// 規則判定結束時進入 ENDED 並廣播 GameEnd(GAME_OVER)。
func (r *Room) ApplyInput(p *Participant, input json.RawMessage) error {
	var evs []events.Event

	r.mu.Lock()
	err := r.applyLocked(p, input, &evs)
	r.mu.Unlock()

	r.publish(evs)
	return err
}

func (r *Room) applyLocked(p *Participant, input json.RawMessage, evs *[]events.Event) error {
	if p.role != RolePlayer || !contains(r.players, p) {
		return apperr.ErrNotAPlayer
	}
	if r.phase != PhaseActive {
		return apperr.ErrInvalidPhase.WithDetails(fmt.Sprintf("room is %s", r.phase))
	}

	next, outcome, err := r.rules.Apply(r.state, p.index, input)
	if err != nil {
		if apperr.CodeOf(err) == apperr.ErrCodeInvalidInput {
			return err
		}
		r.logger.Error("遊戲規則執行失敗", "conn_id", p.ID, "error", err)
		return apperr.Wrap(err, apperr.ErrCodeInternal, "rules failed")
	}

	r.state = next
	r.seq++
	r.updatedAt = time.Now()
	r.broadcastStateLocked()

	if outcome != nil {
		r.phase = PhaseEnded
		r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
			Type: protocol.TypeGameEnd,
			Payload: protocol.GameEnd{
				RoomCode: r.code,
				Reason:   protocol.ReasonGameOver,
				Winner:   outcome.Winner,
				Draw:     outcome.Draw,
			},
		})
		*evs = append(*evs, r.eventLocked(events.GameEnded, nil, protocol.ReasonGameOver))
		r.logger.Info("遊戲結束", "winner", outcome.Winner, "draw", outcome.Draw, "seq", r.seq)
	}

	return nil
}

// Chat 廣播聊天訊息
//
// 發送者標籤：玩家為 Player1 / Player2，觀戰者為 spec_N（依加入順序）。
func (r *Room) Chat(p *Participant, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.ErrInvalidInput.WithDetails("empty chat message")
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return apperr.ErrInvalidInput.WithDetails(fmt.Sprintf("chat message exceeds %d characters", MaxChatLength))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	label, ok := r.labelLocked(p)
	if !ok {
		return ErrNotInRoom
	}

	r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
		Type:    protocol.TypeChat,
		Payload: protocol.Chat{From: label, Text: text},
	})
	return nil
}

// Snapshot 返回房間快照
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		Code:       r.code,
		Phase:      r.phase,
		Rules:      r.rules.Name(),
		Seq:        r.seq,
		Players:    r.playerInfosLocked(),
		Spectators: len(r.spectators),
		State:      r.state,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

// shutdown 結束進行中的遊戲並關閉所有參與者的連線，返回關閉的連線數
//
// 連線關閉後各自的讀取 goroutine 會呼叫 Leave，房間隨之被移除。
func (r *Room) shutdown(reason string) int {
	var evs []events.Event

	r.mu.Lock()
	if r.phase == PhaseActive {
		r.phase = PhaseEnded
		r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
			Type: protocol.TypeGameEnd,
			Payload: protocol.GameEnd{
				RoomCode: r.code,
				Reason:   reason,
			},
		})
		evs = append(evs, r.eventLocked(events.GameEnded, nil, reason))
	}

	all := r.everyoneLocked()
	cause := apperr.ErrConnection.WithDetails("server shutting down")
	for _, p := range all {
		p.conn.Close(cause)
	}
	r.mu.Unlock()

	r.publish(evs)
	return len(all)
}

func (r *Room) broadcastStateLocked() {
	r.broadcaster.Broadcast(r.code, r.everyoneLocked(), protocol.Message{
		Type: protocol.TypeRoomState,
		Payload: protocol.RoomState{
			RoomCode:   r.code,
			Phase:      string(r.phase),
			Seq:        r.seq,
			Players:    r.playerInfosLocked(),
			Spectators: len(r.spectators),
			State:      r.state,
		},
	})
}

func (r *Room) peerEventLocked(p *Participant) protocol.PeerEvent {
	return protocol.PeerEvent{
		ConnectionID: p.ID,
		Role:         p.role.String(),
		PlayerIndex:  p.index,
		Players:      len(r.players),
		Spectators:   len(r.spectators),
	}
}

func (r *Room) eventLocked(typ events.Type, p *Participant, reason string) events.Event {
	e := events.Event{
		Type:       typ,
		RoomCode:   r.code,
		Reason:     reason,
		Players:    len(r.players),
		Spectators: len(r.spectators),
		Timestamp:  time.Now(),
	}
	if p != nil {
		e.ConnectionID = p.ID
		e.Role = p.role.String()
	}
	return e
}

func (r *Room) publish(evs []events.Event) {
	for _, e := range evs {
		if err := r.publisher.Publish(context.Background(), e); err != nil {
			r.logger.Warn("發布房間事件失敗", "event", e.Type, "error", err)
		}
	}
}

func (r *Room) labelLocked(p *Participant) (string, bool) {
	if contains(r.players, p) {
		return fmt.Sprintf("Player%d", p.index), true
	}
	for i, s := range r.spectators {
		if s == p {
			return fmt.Sprintf("spec_%d", i+1), true
		}
	}
	return "", false
}

func (r *Room) playerInfosLocked() []protocol.PlayerInfo {
	infos := make([]protocol.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		infos = append(infos, protocol.PlayerInfo{Index: p.index, ConnectionID: p.ID})
	}
	return infos
}

func (r *Room) playerIDsLocked() []string {
	ids := make([]string, 0, len(r.players))
	for _, p := range r.players {
		ids = append(ids, p.ID)
	}
	return ids
}

func (r *Room) everyoneLocked() []*Participant {
	all := make([]*Participant, 0, len(r.players)+len(r.spectators))
	all = append(all, r.players...)
	return append(all, r.spectators...)
}

func (r *Room) othersLocked(p *Participant) []*Participant {
	others := make([]*Participant, 0, len(r.players)+len(r.spectators))
	for _, q := range r.everyoneLocked() {
		if q != p {
			others = append(others, q)
		}
	}
	return others
}

func (r *Room) isEmptyLocked() bool {
	return len(r.players) == 0 && len(r.spectators) == 0
}

func contains(list []*Participant, p *Participant) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}

// without 移除 p 並保持其餘順序
func without(list []*Participant, p *Participant) ([]*Participant, bool) {
	for i, q := range list {
		if q == p {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}
