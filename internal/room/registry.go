// Package room 管理遊戲房間與其中的參與者
//
// 鎖的順序固定為 Registry.mu → Room.mu；房間方法不會回頭取得註冊表鎖。
//
// 房間生命週期：
//
//	GetOrCreate 建立（WAITING）
//	  → 第二位玩家加入（ACTIVE）
//	  → 規則判定結束 / 玩家離開 / 服務器關閉（ENDED）
//	  → 最後一位參與者離開後由 Remove 移出註冊表
//
// 被移出的房間標記為 closed，之後的 Join 返回 ErrRoomClosed，
// 呼叫者重新 GetOrCreate 即會得到新的房間。
package room

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/game"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Options 註冊表選項
type Options struct {
	// CaseSensitive 為 false 時房間代碼不分大小寫（統一轉成大寫）
	CaseSensitive bool
	// MaxRooms 房間數量上限，0 表示不限制
	MaxRooms int
}

// Registry 房間註冊表
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	opts        Options
	newRules    game.Factory
	broadcaster *Broadcaster
	publisher   events.Publisher
	logger      *slog.Logger
}

// Summary 房間列表項目
type Summary struct {
	Code       string    `json:"room_code"`
	Phase      Phase     `json:"phase"`
	Rules      string    `json:"rules"`
	Players    int       `json:"players"`
	Spectators int       `json:"spectators"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats 註冊表統計
type Stats struct {
	TotalRooms      int           `json:"total_rooms"`
	TotalPlayers    int           `json:"total_players"`
	TotalSpectators int           `json:"total_spectators"`
	ByPhase         map[Phase]int `json:"by_phase"`
}

// NewRegistry 創建房間註冊表
//
// publisher 為 nil 時不發布事件。
func NewRegistry(newRules game.Factory, publisher events.Publisher, logger *slog.Logger, opts Options) *Registry {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		opts:        opts,
		newRules:    newRules,
		broadcaster: NewBroadcaster(logger),
		publisher:   publisher,
		logger:      logger,
	}
}

// Normalize 依大小寫設定正規化房間代碼
func (g *Registry) Normalize(code string) string {
	code = strings.TrimSpace(code)
	if g.opts.CaseSensitive {
		return code
	}
	return strings.ToUpper(code)
}

// GetOrCreate 取得房間，不存在時建立
//
// 並發呼叫同一代碼一定得到同一個實例。
func (g *Registry) GetOrCreate(code string) (*Room, error) {
	code = g.Normalize(code)

	// 快速路徑：讀鎖
	g.mu.RLock()
	r, ok := g.rooms[code]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	g.mu.Lock()
	// 雙重檢查
	if r, ok := g.rooms[code]; ok {
		g.mu.Unlock()
		return r, nil
	}
	if g.opts.MaxRooms > 0 && len(g.rooms) >= g.opts.MaxRooms {
		g.mu.Unlock()
		return nil, apperr.ErrServerFull
	}

	r = newRoom(code, g.newRules(), g.broadcaster, g.publisher, g.logger)
	g.rooms[code] = r
	total := len(g.rooms)
	g.mu.Unlock()

	g.logger.Info("房間已創建", "room_code", code, "rules", r.rules.Name(), "total_rooms", total)
	g.publishEvent(events.Event{Type: events.RoomCreated, RoomCode: code, Timestamp: r.createdAt})

	return r, nil
}

// Get 取得既有房間
func (g *Registry) Get(code string) (*Room, error) {
	code = g.Normalize(code)

	g.mu.RLock()
	r, ok := g.rooms[code]
	g.mu.RUnlock()

	if !ok {
		return nil, apperr.ErrRoomNotFound.WithDetails(code)
	}
	return r, nil
}

// Remove 房間已空時移出註冊表，返回是否移除
//
// 在同時持有註冊表鎖與房間鎖時檢查是否為空，
// 避免移除一個剛有人加入的房間。
func (g *Registry) Remove(code string) bool {
	code = g.Normalize(code)

	g.mu.Lock()
	r, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return false
	}

	r.mu.Lock()
	empty := r.isEmptyLocked()
	if empty {
		r.closed = true
		delete(g.rooms, code)
	}
	r.mu.Unlock()
	total := len(g.rooms)
	g.mu.Unlock()

	if !empty {
		return false
	}

	g.logger.Info("房間已移除", "room_code", code, "total_rooms", total)
	g.publishEvent(events.Event{Type: events.RoomRemoved, RoomCode: code, Timestamp: time.Now()})
	return true
}

// Len 房間數量
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// List 列出房間（依代碼排序），phase 為空表示不過濾
//
// page 從 1 開始；返回該頁內容與過濾後的總數。
func (g *Registry) List(phase Phase, page, limit int) ([]Summary, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	filtered := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		s := Summary{
			Code:       r.code,
			Phase:      r.phase,
			Rules:      r.rules.Name(),
			Players:    len(r.players),
			Spectators: len(r.spectators),
			CreatedAt:  r.createdAt,
		}
		r.mu.Unlock()

		if phase != "" && s.Phase != phase {
			continue
		}
		filtered = append(filtered, s)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Code < filtered[j].Code
	})

	total := len(filtered)
	start := (page - 1) * limit
	if start >= total {
		return []Summary{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return filtered[start:end], total
}

// Stats 統計資訊
func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Stats{
		TotalRooms: len(g.rooms),
		ByPhase: map[Phase]int{
			PhaseWaiting: 0,
			PhaseActive:  0,
			PhaseEnded:   0,
		},
	}
	for _, r := range g.rooms {
		r.mu.Lock()
		stats.ByPhase[r.phase]++
		stats.TotalPlayers += len(r.players)
		stats.TotalSpectators += len(r.spectators)
		r.mu.Unlock()
	}
	return stats
}

// Shutdown 結束所有房間：進行中的遊戲收到 GameEnd(reason)，所有連線被關閉
//
// 返回被關閉的連線數。房間本身在參與者離開後照常被 Remove。
func (g *Registry) Shutdown(reason string) int {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	closed := 0
	for _, r := range rooms {
		closed += r.shutdown(reason)
	}

	g.logger.Info("所有房間已關閉", "rooms", len(rooms), "connections", closed, "reason", reason)
	return closed
}

func (g *Registry) publishEvent(e events.Event) {
	if err := g.publisher.Publish(context.Background(), e); err != nil {
		g.logger.Warn("發布房間事件失敗", "event", e.Type, "room_code", e.RoomCode, "error", err)
	}
}
