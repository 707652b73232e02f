package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/handlers"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, cfg *config.Config, status *handlers.StatusHandler, wake *handlers.WakeHandler, sessions *handlers.SessionHandler) {
	status.RegisterRoutes(r)

	// 注册HTTP推流路由
	sessions.RegisterRoutes(r)

	// 注册音频流路由
	wake.RegisterRoutes(r, cfg.Server.Path)

	// 其余路径从静态目录读取
	static := http.FileServer(http.Dir(cfg.Server.StaticDir))
	r.NoRoute(gin.WrapH(static))
}
