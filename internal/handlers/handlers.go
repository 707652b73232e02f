package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/service/detector"
)

// StatusHandler 健康检查和服务信息
type StatusHandler struct {
	cfg      *config.Config
	provider detector.Provider
	wake     *WakeHandler
	sessions *SessionHandler
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(cfg *config.Config, provider detector.Provider, wake *WakeHandler, sessions *SessionHandler) *StatusHandler {
	return &StatusHandler{cfg: cfg, provider: provider, wake: wake, sessions: sessions}
}

// Index 有 index.html 时返回页面，否则返回提示文字
func (h *StatusHandler) Index(c *gin.Context) {
	index := filepath.Join(h.cfg.Server.StaticDir, "index.html")
	if _, err := os.Stat(index); err == nil {
		c.File(index)
		return
	}
	c.String(http.StatusOK, "Wake word server running. Stream 16 kHz mono PCM16LE to %s", h.cfg.Server.Path)
}

// Health 健康检查
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"sample_rate":  h.provider.SampleRate(),
		"frame_length": h.provider.FrameLength(),
		"connections":  h.wake.Connections(),
		"sessions":     h.sessions.Sessions(),
	})
}

// Info 返回客户端推流需要的参数
func (h *StatusHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sampleRate":  h.provider.SampleRate(),
		"frameLength": h.provider.FrameLength(),
		"keywords":    h.cfg.Porcupine.Labels(),
		"path":        h.cfg.Server.Path,
		"note":        "Send 16 kHz, 16-bit PCM (LE), mono audio as binary WebSocket messages",
	})
}

// RegisterRoutes 注册所有路由
func (h *StatusHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET("/health", h.Health)
	r.GET("/info", h.Info)
}
