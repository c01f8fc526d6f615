package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/game-relay/internal/protocol"
	"github.com/koopa0/game-relay/internal/room"
	"github.com/koopa0/game-relay/internal/transport"
)

// ErrServerClosed Shutdown 之後再呼叫 Serve
var ErrServerClosed = errors.New("session: server closed")

// Server 接受 TCP 與 WebSocket 連線，交給 Coordinator 處理
type Server struct {
	coordinator *Coordinator
	registry    *room.Registry
	connOpts    transport.Options
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	closing   bool
	wg        sync.WaitGroup
}

// NewServer 創建服務器
func NewServer(coordinator *Coordinator, registry *room.Registry, connOpts transport.Options, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		connOpts:    connOpts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 觀戰頁面可能由其他網域提供
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve 在 ln 上接受 TCP 連線，直到 ln 被關閉
//
// Shutdown 之後返回 ErrServerClosed。
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}

	s.logger.Info("TCP 服務器啟動", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// 暫時性錯誤（例如檔案描述符用盡），退避後重試
				backoff = nextBackoff(backoff)
				s.logger.Warn("接受連線失敗，稍後重試", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		backoff = 0

		c := transport.NewTCPConn(conn, s.connOpts)
		if !s.serve(c) {
			c.Close(nil)
		}
	}
}

// ServeWS 把 HTTP 請求升級為 WebSocket 並服務它
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, "服務器正在關閉", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回覆了錯誤
		s.logger.Warn("升級 WebSocket 失敗", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := transport.NewWSConn(ws, r.RemoteAddr, s.connOpts)
	if !s.serve(c) {
		c.Close(nil)
	}
}

// Shutdown 停止接受連線，結束所有房間，等待連線處理結束
//
// 順序：關閉 listener → 房間送出 GameEnd(SERVER_SHUTDOWN) 並關閉參與者 →
// 關閉仍在握手中的連線 → 等待，直到 ctx 到期。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("關閉 listener 失敗", "error", err)
		}
	}

	closed := s.registry.Shutdown(protocol.ReasonServerShutdown)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有連線已結束", "closed_by_shutdown", closed)
		return nil
	case <-ctx.Done():
		s.logger.Warn("等待連線結束逾時", "remaining", s.coordinator.ActiveConnections())
		return ctx.Err()
	}
}

// serve 在新的 goroutine 中服務連線；服務器關閉中時返回 false
func (s *Server) serve(c transport.Conn) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.coordinator.Serve(s.ctx, c)
	}()
	return true
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// nextBackoff 5ms 起跳，每次加倍，上限 1s
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
