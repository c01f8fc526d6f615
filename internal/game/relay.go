package game

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Relay 通用的逐 tick 同步規則
//
// 不做任何遊戲判定：每個玩家最後一次送出的輸入原樣保存在狀態中，
// tick 每次加一。適合由客戶端自行模擬、服務器只負責轉發的遊戲。
type Relay struct{}

// RelayState 中繼狀態
type RelayState struct {
	Tick    uint64                     `json:"tick"`
	Players map[string]json.RawMessage `json:"players"` // key 為玩家編號
}

// Name 規則名稱
func (Relay) Name() string { return "relay" }

// Initial 初始狀態
func (Relay) Initial() json.RawMessage {
	data, _ := json.Marshal(RelayState{Players: map[string]json.RawMessage{}})
	return data
}

// Apply 記錄玩家最新輸入
func (Relay) Apply(state json.RawMessage, player int, input json.RawMessage) (json.RawMessage, *Outcome, error) {
	var s RelayState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, nil, fmt.Errorf("decode relay state: %w", err)
	}
	if len(input) == 0 || !json.Valid(input) {
		return nil, nil, invalidInput("input must be a JSON value")
	}
	if s.Players == nil {
		s.Players = map[string]json.RawMessage{}
	}

	s.Tick++
	s.Players[strconv.Itoa(player)] = append(json.RawMessage(nil), input...)

	next, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("encode relay state: %w", err)
	}
	return next, nil, nil
}
