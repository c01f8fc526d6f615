// Package game 提供可注入房間的遊戲規則
//
// 房間把遊戲狀態視為不透明的 JSON，只透過 Rules 更新：
//
//	(state, player, input) -> state
//
// 同步核心因此不依賴任何特定遊戲。
package game

import (
	"encoding/json"
	"fmt"
	"sort"

	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Outcome 遊戲結果，Winner 為玩家編號（1 或 2）
type Outcome struct {
	Winner int
	Draw   bool
}

// Rules 遊戲規則
//
// Apply 在房間鎖內被呼叫，必須是純函數：不得保留 state 或 input 的引用。
// 返回的 error 會被視為 INVALID_INPUT，輸入被丟棄，狀態不變。
// 返回非 nil 的 Outcome 代表遊戲結束。
type Rules interface {
	Name() string
	Initial() json.RawMessage
	Apply(state json.RawMessage, player int, input json.RawMessage) (json.RawMessage, *Outcome, error)
}

// Factory 建立規則
type Factory func() Rules

var factories = map[string]Factory{
	"tictactoe": func() Rules { return TicTacToe{} },
	"relay":     func() Rules { return Relay{} },
}

// New 依名稱建立規則
func New(name string) (Rules, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown rules %q (available: %v)", name, Names())
	}
	return f(), nil
}

// Names 返回所有可用規則名稱
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func invalidInput(format string, args ...any) error {
	return apperr.ErrInvalidInput.WithDetails(fmt.Sprintf(format, args...))
}
