// Package protocol 定義客戶端與中繼服務器之間的訊息格式
//
// 每一則訊息都是一份 JSON 文件：
//
//	{"type": "RoomState", "payload": {...}}
//
// TCP 上以換行分隔（一行一則），WebSocket 上一個文字訊息一則。
// JSON 編碼會把字串中的換行轉義，所以編碼後的訊息本身不會包含換行。
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType 訊息類型
type MessageType string

// 服務器 → 客戶端
const (
	TypeJoinAccepted MessageType = "JoinAccepted"
	TypeJoinRejected MessageType = "JoinRejected"
	TypeRoomState    MessageType = "RoomState"
	TypeGameStart    MessageType = "GameStart"
	TypeGameEnd      MessageType = "GameEnd"
	TypePeerJoined   MessageType = "PeerJoined"
	TypePeerLeft     MessageType = "PeerLeft"
	TypeError        MessageType = "Error"
	TypePong         MessageType = "Pong"
)

// 客戶端 → 服務器
const (
	TypeInput MessageType = "Input"
	TypePing  MessageType = "Ping"
	TypeLeave MessageType = "Leave"
)

// TypeChat 雙向使用：客戶端送出文字，服務器加上發送者標籤後廣播
const TypeChat MessageType = "Chat"

// GameEnd 原因碼
const (
	ReasonPlayerDisconnected = "PLAYER_DISCONNECTED"
	ReasonGameOver           = "GAME_OVER"
	ReasonServerShutdown     = "SERVER_SHUTDOWN"
)

// Message 服務器送出的訊息
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// Inbound 客戶端送來的訊息，payload 保持原始 JSON
type Inbound struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerInfo 玩家座位資訊
type PlayerInfo struct {
	Index        int    `json:"index"`
	ConnectionID string `json:"connection_id"`
}

// JoinAccepted 加入成功回覆（只送給加入者）
type JoinAccepted struct {
	RoomCode     string `json:"room_code"`
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	PlayerIndex  int    `json:"player_index,omitempty"`
	Phase        string `json:"phase"`
	Rules        string `json:"rules"`
}

// JoinRejected 加入失敗回覆，送出後連線即關閉
type JoinRejected struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomState 房間完整快照
type RoomState struct {
	RoomCode   string          `json:"room_code"`
	Phase      string          `json:"phase"`
	Seq        uint64          `json:"seq"`
	Players    []PlayerInfo    `json:"players"`
	Spectators int             `json:"spectators"`
	State      json.RawMessage `json:"state"`
}

// GameStart 遊戲開始，兩位玩家收到相同內容
type GameStart struct {
	RoomCode string       `json:"room_code"`
	Players  []PlayerInfo `json:"players"`
}

// GameEnd 遊戲結束
type GameEnd struct {
	RoomCode string `json:"room_code"`
	Reason   string `json:"reason"`
	Winner   int    `json:"winner,omitempty"`
	Draw     bool   `json:"draw,omitempty"`
}

// PeerEvent PeerJoined / PeerLeft 的內容
type PeerEvent struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	PlayerIndex  int    `json:"player_index,omitempty"`
	Players      int    `json:"players"`
	Spectators   int    `json:"spectators"`
}

// ChatInput 客戶端送出的聊天內容
type ChatInput struct {
	Text string `json:"text"`
}

// Chat 廣播的聊天內容
type Chat struct {
	From string `json:"from"` // Player1、Player2、spec_N
	Text string `json:"text"`
}

// Error 輸入被丟棄時回覆給發送者，連線保持開啟
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode 編碼服務器訊息
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode 解碼客戶端訊息
func Decode(frame []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("decode message: missing type")
	}
	return in, nil
}
