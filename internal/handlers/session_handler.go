package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wakeword_relay/internal/models"
	"wakeword_relay/internal/service/audio"
	"wakeword_relay/internal/service/detector"
	"wakeword_relay/internal/service/relay"
)

// SessionHandler HTTP 推流接口，每个会话一段独立的采样缓冲
type SessionHandler struct {
	provider detector.Provider
	labels   []string
	maxBody  int64
	ttl      time.Duration
	logger   zerolog.Logger

	sessions    map[string]*httpSession
	sessionsMux sync.Mutex
}

// httpSession 一个 HTTP 会话，同一会话的请求按到达顺序串行处理
type httpSession struct {
	id       string
	mu       sync.Mutex
	det      models.Detector
	demuxer  *audio.Demuxer
	relay    *relay.Relay
	events   *eventCollector
	lastSeen time.Time
	closed   bool
	logger   zerolog.Logger
}

// eventCollector 收集一次请求内产生的事件
type eventCollector struct {
	events []interface{}
}

func (e *eventCollector) Send(event interface{}) error {
	e.events = append(e.events, event)
	return nil
}

func (e *eventCollector) drain() []interface{} {
	events := e.events
	e.events = nil
	if events == nil {
		events = []interface{}{}
	}
	return events
}

// audioResponse POST /audio 的响应
type audioResponse struct {
	Detected     bool          `json:"detected"`
	KeywordIndex *int          `json:"keyword_index"`
	Keyword      string        `json:"keyword,omitempty"`
	Frames       int           `json:"frames"`
	Events       []interface{} `json:"events"`
}

// NewSessionHandler 创建 HTTP 会话处理器，ttl 为0时会话不会自动过期
func NewSessionHandler(provider detector.Provider, labels []string, maxBody int64, ttl time.Duration, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		provider: provider,
		labels:   labels,
		maxBody:  maxBody,
		ttl:      ttl,
		logger:   logger,
		sessions: make(map[string]*httpSession),
	}
}

// Sessions 当前会话数
func (h *SessionHandler) Sessions() int {
	h.sessionsMux.Lock()
	defer h.sessionsMux.Unlock()
	return len(h.sessions)
}

// Start 创建会话
func (h *SessionHandler) Start(c *gin.Context) {
	det, err := h.provider.Acquire()
	if err != nil {
		h.logger.Error().Err(err).Msg("获取检测器失败")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "detector unavailable"})
		return
	}

	id := uuid.New().String()
	logger := h.logger.With().Str("session", id).Str("remote", c.Request.RemoteAddr).Logger()
	s := &httpSession{
		id:       id,
		det:      det,
		demuxer:  audio.NewDemuxer(det.FrameLength(), logger),
		events:   &eventCollector{},
		lastSeen: time.Now(),
		logger:   logger,
	}
	s.relay = relay.New(det, s.events, h.labels, logger)

	h.sessionsMux.Lock()
	h.sessions[id] = s
	h.sessionsMux.Unlock()

	logger.Info().Msg("HTTP会话已创建")
	c.JSON(http.StatusOK, gin.H{
		"sessionId":   id,
		"sampleRate":  det.SampleRate(),
		"frameLength": det.FrameLength(),
		"note":        "Send 16 kHz, 16-bit PCM (LE), mono frames to /audio?sessionId=<id>",
	})
}

// Audio 追加一段 PCM16 数据并检测所有完整的帧
func (h *SessionHandler) Audio(c *gin.Context) {
	id := c.Query("sessionId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId query param required"})
		return
	}
	s := h.lookup(id)
	if s == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sessionId"})
		return
	}

	body := c.Request.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBody)
	}
	chunk, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio chunk too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sessionId"})
		return
	}
	s.lastSeen = time.Now()

	resp := audioResponse{}
	for _, frame := range s.demuxer.Append(chunk) {
		result, _ := s.relay.OnFrame(frame)
		resp.Frames++
		if result.Matched && !resp.Detected {
			index := result.KeywordIndex
			resp.Detected = true
			resp.KeywordIndex = &index
			if index < len(h.labels) {
				resp.Keyword = h.labels[index]
			}
		}
	}
	resp.Events = s.events.drain()

	c.JSON(http.StatusOK, resp)
}

// End 结束会话，sessionId 可以放在 JSON 请求体或查询参数中
func (h *SessionHandler) End(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	c.ShouldBindJSON(&req)
	id := req.SessionID
	if id == "" {
		id = c.Query("sessionId")
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}

	h.sessionsMux.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.sessionsMux.Unlock()

	if ok {
		h.release(s, "客户端结束")
	}
	c.JSON(http.StatusOK, gin.H{"ended": ok})
}

// Sweep 释放空闲超过 ttl 的会话，返回释放的数量
//
// 检查空闲时间不持有 sessionsMux，正在检测的会话不会阻塞其他会话的请求。
func (h *SessionHandler) Sweep(now time.Time) int {
	if h.ttl <= 0 {
		return 0
	}

	h.sessionsMux.Lock()
	candidates := make([]*httpSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		candidates = append(candidates, s)
	}
	h.sessionsMux.Unlock()

	expired := 0
	for _, s := range candidates {
		s.mu.Lock()
		idle := now.Sub(s.lastSeen)
		s.mu.Unlock()
		if idle <= h.ttl {
			continue
		}

		h.sessionsMux.Lock()
		current, ok := h.sessions[s.id]
		if ok && current == s {
			delete(h.sessions, s.id)
		}
		h.sessionsMux.Unlock()

		if ok && current == s {
			h.release(s, "会话超时")
			expired++
		}
	}
	return expired
}

// Run 定期清理空闲会话，直到 ctx 结束
func (h *SessionHandler) Run(ctx context.Context) {
	if h.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(h.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Sweep(now)
		}
	}
}

// CloseAll 释放所有会话
func (h *SessionHandler) CloseAll() {
	h.sessionsMux.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*httpSession)
	h.sessionsMux.Unlock()

	for _, s := range sessions {
		h.release(s, "服务关闭")
	}
}

func (h *SessionHandler) lookup(id string) *httpSession {
	h.sessionsMux.Lock()
	defer h.sessionsMux.Unlock()
	return h.sessions[id]
}

func (h *SessionHandler) release(s *httpSession, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	buffered := s.demuxer.Buffered()
	s.demuxer.Reset()
	if err := s.det.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("释放检测器失败")
	}
	s.logger.Info().
		Str("reason", reason).
		Int("frames", s.demuxer.Frames()).
		Int("wakes", s.relay.Wakes()).
		Int("discarded_samples", buffered).
		Msg("HTTP会话已结束")
}

// RegisterRoutes 注册路由
func (h *SessionHandler) RegisterRoutes(r *gin.Engine) {
	session := r.Group("/session")
	{
		session.POST("/start", h.Start)
		session.POST("/end", h.End)
	}
	r.POST("/audio", h.Audio)
}
