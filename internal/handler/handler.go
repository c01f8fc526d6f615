// Package handler 提供管理用的 HTTP API 與 WebSocket 入口
//
// 路由：
//
//	GET /health                       健康檢查
//	GET /stats                        房間與連線統計
//	GET /api/v1/rooms                 房間列表（?phase=&page=&limit=）
//	GET /api/v1/rooms/{code}          房間快照
//	GET /ws                           遊戲協議（WebSocket）
//
// 管理 API 只讀；房間只能透過遊戲協議建立與加入。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/game-relay/internal/room"
	apperr "github.com/koopa0/game-relay/pkg/errors"
)

// ConnectionCounter 回報目前的連線數
type ConnectionCounter interface {
	ActiveConnections() int64
}

// 分頁參數
const (
	defaultLimit = 20
	maxLimit     = 100
)

// roomList 房間列表響應
type roomList struct {
	Rooms []room.Summary `json:"rooms"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// Handler HTTP 處理器
type Handler struct {
	registry *room.Registry
	conns    ConnectionCounter
	ws       http.HandlerFunc
	logger   *slog.Logger
	started  time.Time
}

// NewHandler 創建 HTTP 處理器，ws 為 nil 時不提供 /ws
func NewHandler(registry *room.Registry, conns ConnectionCounter, ws http.HandlerFunc, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		conns:    conns,
		ws:       ws,
		logger:   logger,
		started:  time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{code}", wrap(h.getRoom))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	if h.ws != nil {
		// 升級需要原始的 ResponseWriter（Hijacker），不經過 loggerMiddleware
		mux.HandleFunc("GET /ws", h.recoverUpgrade(h.ws))
	}

	return mux
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var phase room.Phase
	if p := query.Get("phase"); p != "" {
		phase = room.Phase(strings.ToUpper(p))
		switch phase {
		case room.PhaseWaiting, room.PhaseActive, room.PhaseEnded:
		default:
			h.errorResponse(w, apperr.ErrInvalidInput.WithDetails("phase must be WAITING, ACTIVE or ENDED"), http.StatusBadRequest)
			return
		}
	}

	page := intParam(query.Get("page"), 1, 0)
	limit := intParam(query.Get("limit"), defaultLimit, maxLimit)

	rooms, total := h.registry.List(phase, page, limit)

	h.jsonResponse(w, roomList{Rooms: rooms, Total: total, Page: page, Limit: limit}, http.StatusOK)
}

// getRoom 房間快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := h.registry.Get(r.PathValue("code"))
	if err != nil {
		h.errorResponse(w, err, http.StatusNotFound)
		return
	}

	h.jsonResponse(w, rm.Snapshot(), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":    "ok",
		"rooms":     h.registry.Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	var conns int64
	if h.conns != nil {
		conns = h.conns.ActiveConnections()
	}

	h.jsonResponse(w, map[string]any{
		"rooms":          h.registry.Stats(),
		"connections":    conns,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應，帶上錯誤碼
func (h *Handler) errorResponse(w http.ResponseWriter, err error, status int) {
	h.jsonResponse(w, map[string]any{
		"error": apperr.MessageOf(err),
		"code":  apperr.CodeOf(err),
	}, status)
}

// intParam 解析正整數查詢參數；缺少、無效或超過 max（max > 0 時）回退為 def
func intParam(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || (max > 0 && n > max) {
		return def
	}
	return n
}

// loggerMiddleware 記錄每個管理 API 請求
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		next(rec, r)

		h.logger.Debug("管理 API 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"elapsed", time.Since(began))
	}
}

// recoverer 把 handler 的 panic 轉成 500
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				h.logger.Error("HTTP handler panic", "panic", rv, "path", r.URL.Path)
				h.errorResponse(w, apperr.ErrInternal, http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// recoverUpgrade 只記錄 panic；連線可能已被 Hijack，不能再寫響應
func (h *Handler) recoverUpgrade(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				h.logger.Error("WebSocket handler panic", "panic", rv, "remote", r.RemoteAddr)
			}
		}()
		next(w, r)
	}
}

// statusRecorder 記下寫出的狀態碼
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
