// Package errors 提供遊戲中繼服務的錯誤分類
//
// 每個錯誤都帶有穩定的錯誤碼，錯誤碼會原樣出現在協議的
// JoinRejected / Error 訊息中，客戶端依錯誤碼決定是否重試。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeBadHandshake 握手訊息格式錯誤或模式不支援（關閉連線，不重試）
	ErrCodeBadHandshake = "BAD_HANDSHAKE"
	// ErrCodeRoomFull 房間玩家已滿（客戶端可換房間或改為觀戰）
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeNotAPlayer 非玩家送出輸入
	ErrCodeNotAPlayer = "NOT_A_PLAYER"
	// ErrCodeSpectatorCannotAct 觀戰者送出輸入
	ErrCodeSpectatorCannotAct = "SPECTATOR_CANNOT_ACT"
	// ErrCodeInvalidPhase 遊戲未進行中時送出輸入
	ErrCodeInvalidPhase = "INVALID_PHASE"
	// ErrCodeInvalidInput 輸入被遊戲規則拒絕，或訊息無法解析
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeConnection 傳輸層錯誤
	ErrCodeConnection = "CONNECTION_ERROR"
	// ErrCodeEOF 對端正常關閉
	ErrCodeEOF = "EOF"
	// ErrCodeRateLimited 握手頻率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeServerFull 房間數量達到上限
	ErrCodeServerFull = "SERVER_FULL"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共用的，直接修改會影響其他 goroutine，所以這裡複製一份。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrBadHandshake       = New(ErrCodeBadHandshake, "malformed handshake")
	ErrRoomFull           = New(ErrCodeRoomFull, "room already has two players")
	ErrRoomNotFound       = New(ErrCodeRoomNotFound, "room not found")
	ErrNotAPlayer         = New(ErrCodeNotAPlayer, "only players can send input")
	ErrSpectatorCannotAct = New(ErrCodeSpectatorCannotAct, "spectators cannot send input")
	ErrInvalidPhase       = New(ErrCodeInvalidPhase, "game is not active")
	ErrInvalidInput       = New(ErrCodeInvalidInput, "invalid input")
	ErrConnection         = New(ErrCodeConnection, "connection error")
	ErrEOF                = New(ErrCodeEOF, "connection closed by peer")
	ErrRateLimited        = New(ErrCodeRateLimited, "too many handshakes")
	ErrServerFull         = New(ErrCodeServerFull, "room limit reached")
	ErrInternal           = New(ErrCodeInternal, "internal error")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取出可以回傳給客戶端的訊息
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsRoomFull 檢查是否為房間已滿錯誤
func IsRoomFull(err error) bool {
	return CodeOf(err) == ErrCodeRoomFull
}

// IsClosed 檢查是否為連線關閉（EOF 或傳輸錯誤）
func IsClosed(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeEOF || code == ErrCodeConnection
}
