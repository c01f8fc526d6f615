package game

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TicTacToe 3x3 井字遊戲，玩家 1 先手
type TicTacToe struct{}

// TicTacToeState 井字遊戲狀態
type TicTacToeState struct {
	Board [3][3]int `json:"board"` // 0 空格，1/2 玩家編號
	Turn  int       `json:"turn"`
	Moves int       `json:"moves"`
}

// Move 落子輸入
type Move struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// rawMove 解碼用，缺少欄位時為 nil
type rawMove struct {
	Row *int `json:"row"`
	Col *int `json:"col"`
}

// parseMove row 與 col 都必須存在，不接受其他欄位
func parseMove(input json.RawMessage) (Move, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()

	var raw rawMove
	if err := dec.Decode(&raw); err != nil || raw.Row == nil || raw.Col == nil {
		return Move{}, invalidInput("move must be {\"row\":r,\"col\":c}")
	}
	if dec.More() {
		return Move{}, invalidInput("move must be a single object")
	}
	return Move{Row: *raw.Row, Col: *raw.Col}, nil
}

// Name 規則名稱
func (TicTacToe) Name() string { return "tictactoe" }

// Initial 初始狀態
func (TicTacToe) Initial() json.RawMessage {
	data, _ := json.Marshal(TicTacToeState{Turn: 1})
	return data
}

// Apply 套用一步落子
func (TicTacToe) Apply(state json.RawMessage, player int, input json.RawMessage) (json.RawMessage, *Outcome, error) {
	var s TicTacToeState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, nil, fmt.Errorf("decode tictactoe state: %w", err)
	}

	m, err := parseMove(input)
	if err != nil {
		return nil, nil, err
	}

	if player != s.Turn {
		return nil, nil, invalidInput("not player %d's turn", player)
	}
	if m.Row < 0 || m.Row > 2 || m.Col < 0 || m.Col > 2 {
		return nil, nil, invalidInput("cell (%d,%d) out of range", m.Row, m.Col)
	}
	if s.Board[m.Row][m.Col] != 0 {
		return nil, nil, invalidInput("cell (%d,%d) already taken", m.Row, m.Col)
	}

	s.Board[m.Row][m.Col] = player
	s.Moves++
	s.Turn = 3 - player

	var outcome *Outcome
	if w := winner(s.Board); w != 0 {
		outcome = &Outcome{Winner: w}
	} else if s.Moves == 9 {
		outcome = &Outcome{Draw: true}
	}
	if outcome != nil {
		s.Turn = 0
	}

	next, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tictactoe state: %w", err)
	}
	return next, outcome, nil
}

// winner 檢查行、列、對角線
func winner(b [3][3]int) int {
	for i := 0; i < 3; i++ {
		if b[i][0] != 0 && b[i][0] == b[i][1] && b[i][1] == b[i][2] {
			return b[i][0]
		}
		if b[0][i] != 0 && b[0][i] == b[1][i] && b[1][i] == b[2][i] {
			return b[0][i]
		}
	}
	if b[1][1] != 0 && ((b[0][0] == b[1][1] && b[1][1] == b[2][2]) || (b[0][2] == b[1][1] && b[1][1] == b[2][0])) {
		return b[1][1]
	}
	return 0
}
