package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/models"
	"wakeword_relay/internal/service/audio"
	"wakeword_relay/internal/service/detector"
	"wakeword_relay/internal/service/relay"
)

// WakeHandler 唤醒词音频流 WebSocket 处理器
type WakeHandler struct {
	cfg      config.WebSocketConfig
	provider detector.Provider
	labels   []string
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	sessions    map[string]*Session
	sessionsMux sync.Mutex
}

// Session 一个 WebSocket 连接的状态
type Session struct {
	ID        string
	conn      *websocket.Conn
	demuxer   *audio.Demuxer
	relay     *relay.Relay
	det       models.Detector
	writeWait time.Duration
	logger    zerolog.Logger
}

// NewWakeHandler 创建唤醒词处理器
func NewWakeHandler(cfg config.WebSocketConfig, provider detector.Provider, labels []string, logger zerolog.Logger) *WakeHandler {
	return &WakeHandler{
		cfg:      cfg,
		provider: provider,
		labels:   labels,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 浏览器页面可能来自其他端口
			},
		},
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Connections 当前连接数
func (h *WakeHandler) Connections() int {
	h.sessionsMux.Lock()
	defer h.sessionsMux.Unlock()
	return len(h.sessions)
}

// CloseAll 通知并断开所有连接，用于进程退出
func (h *WakeHandler) CloseAll() {
	h.sessionsMux.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessionsMux.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, s := range sessions {
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
	}
}

// HandleWebSocket 处理 WebSocket 连接
func (h *WakeHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("升级 WebSocket 连接失败")
		return
	}

	session, err := h.openSession(conn, c.Request.RemoteAddr)
	if err != nil {
		h.logger.Error().Err(err).Str("remote", c.Request.RemoteAddr).Msg("获取检测器失败")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "detector unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer h.closeSession(session)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(session, done)

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				session.logger.Warn().Err(err).Msg("读取 WebSocket 消息错误")
			}
			return
		}

		if err := session.handleMessage(messageType, message); err != nil {
			session.logger.Warn().Err(err).Msg("发送事件失败，关闭连接")
			return
		}
	}
}

// openSession 注册新连接
func (h *WakeHandler) openSession(conn *websocket.Conn, remote string) (*Session, error) {
	det, err := h.provider.Acquire()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := h.logger.With().Str("session", id).Str("remote", remote).Logger()
	session := &Session{
		ID:        id,
		conn:      conn,
		det:       det,
		demuxer:   audio.NewDemuxer(det.FrameLength(), logger),
		writeWait: h.cfg.WriteWait,
		logger:    logger,
	}
	session.relay = relay.New(det, session, h.labels, logger)

	h.sessionsMux.Lock()
	h.sessions[id] = session
	h.sessionsMux.Unlock()

	logger.Info().Int("frame_length", det.FrameLength()).Msg("客户端已连接")
	return session, nil
}

// closeSession 丢弃缓冲区并释放检测器
func (h *WakeHandler) closeSession(s *Session) {
	h.sessionsMux.Lock()
	delete(h.sessions, s.ID)
	h.sessionsMux.Unlock()

	buffered := s.demuxer.Buffered()
	s.demuxer.Reset()
	if err := s.det.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("释放检测器失败")
	}
	s.conn.Close()

	s.logger.Info().
		Int("frames", s.demuxer.Frames()).
		Int("wakes", s.relay.Wakes()).
		Int("errors", s.relay.Errors()).
		Int("discarded_samples", buffered).
		Msg("客户端已断开")
}

// pingLoop 定期发送心跳
func (h *WakeHandler) pingLoop(s *Session, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				s.logger.Debug().Err(err).Msg("发送心跳失败")
				return
			}
		}
	}
}

// handleMessage 处理一条消息，返回的 error 表示连接已不可写
func (s *Session) handleMessage(messageType int, message []byte) error {
	switch messageType {
	case websocket.BinaryMessage:
		frames := s.demuxer.Append(message)
		return s.relay.Feed(frames)

	case websocket.TextMessage:
		s.handleMetadata(message)
	}
	return nil
}

// handleMetadata 记录客户端发来的文本元数据，不影响音频处理
func (s *Session) handleMetadata(message []byte) {
	var meta map[string]interface{}
	if err := json.Unmarshal(message, &meta); err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(message)).Msg("无法解析文本消息，忽略")
		return
	}

	if t, _ := meta["type"].(string); t == models.MessageTypeInfo {
		s.logger.Info().Fields(meta).Msg("收到客户端信息")
		return
	}
	s.logger.Debug().Fields(meta).Msg("收到未知文本消息")
}

// Send 发送 JSON 文本帧，只在读循环所在的 goroutine 调用
func (s *Session) Send(event interface{}) error {
	if s.writeWait > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	}
	return s.conn.WriteJSON(event)
}

// RegisterRoutes 注册路由
func (h *WakeHandler) RegisterRoutes(r *gin.Engine, path string) {
	r.GET(path, h.HandleWebSocket)
}
