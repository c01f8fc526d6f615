package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// Mode 握手模式
type Mode string

const (
	ModePlay     Mode = "P"
	ModeSpectate Mode = "S"
)

// Handshake 連線後的第一則訊息
type Handshake struct {
	RoomCode string `json:"room_code"`
	Mode     Mode   `json:"mode"`
}

// ParseHandshake 解析握手訊息
//
// 支援兩種格式：
//
//	{"room_code": "ABC", "mode": "P"}
//	ROOM ABC / SPECTATE ABC（舊版純文字客戶端）
//
// 房間代碼只檢查格式與長度，大小寫正規化由 Registry 決定。
func ParseHandshake(frame []byte, maxCodeLength int) (Handshake, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Handshake{}, apperr.ErrBadHandshake.WithDetails("empty handshake")
	}

	var hs Handshake
	if frame[0] == '{' {
		if err := json.Unmarshal(frame, &hs); err != nil {
			return Handshake{}, apperr.Wrap(err, apperr.ErrCodeBadHandshake, "malformed handshake")
		}
	} else {
		var err error
		if hs, err = parseLegacy(string(frame)); err != nil {
			return Handshake{}, err
		}
	}

	hs.RoomCode = strings.TrimSpace(hs.RoomCode)
	hs.Mode = Mode(strings.ToUpper(strings.TrimSpace(string(hs.Mode))))

	if hs.Mode != ModePlay && hs.Mode != ModeSpectate {
		return Handshake{}, apperr.ErrBadHandshake.WithDetails(fmt.Sprintf("unknown mode %q", hs.Mode))
	}
	if err := ValidateRoomCode(hs.RoomCode, maxCodeLength); err != nil {
		return Handshake{}, err
	}

	return hs, nil
}

// parseLegacy 解析 "ROOM <code>" 與 "SPECTATE <code>"
func parseLegacy(line string) (Handshake, error) {
	verb, code, _ := strings.Cut(line, " ")
	switch strings.ToUpper(strings.TrimSpace(verb)) {
	case "ROOM":
		return Handshake{RoomCode: code, Mode: ModePlay}, nil
	case "SPECTATE":
		return Handshake{RoomCode: code, Mode: ModeSpectate}, nil
	default:
		return Handshake{}, apperr.ErrBadHandshake.WithDetails(fmt.Sprintf("unknown verb %q", verb))
	}
}

// ValidateRoomCode 驗證房間代碼：非空、不超過長度上限、只含可見字元
func ValidateRoomCode(code string, maxLength int) error {
	if code == "" {
		return apperr.ErrBadHandshake.WithDetails("empty room code")
	}
	if maxLength > 0 && len([]rune(code)) > maxLength {
		return apperr.ErrBadHandshake.WithDetails(fmt.Sprintf("room code longer than %d", maxLength))
	}
	for _, r := range code {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return apperr.ErrBadHandshake.WithDetails("room code contains whitespace or control characters")
		}
	}
	return nil
}
