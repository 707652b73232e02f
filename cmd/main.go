package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/handlers"
	"wakeword_relay/internal/logger"
	"wakeword_relay/internal/middleware"
	"wakeword_relay/internal/models"
	"wakeword_relay/internal/routes"
	"wakeword_relay/internal/server"
	"wakeword_relay/internal/service/detector"
	"wakeword_relay/internal/service/picovoice"
)

// DetectorFactory 按配置创建检测器
type DetectorFactory func(cfg config.PorcupineConfig) (models.Detector, error)

// options 启动参数
type options struct {
	newDetector DetectorFactory
	ready       func(addr string)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{newDetector: newPorcupine}
	if err := run(ctx, os.Args[1:], opts); err != nil {
		log.Error().Err(err).Msg("服务启动失败")
		stop()
		os.Exit(1)
	}
}

func newPorcupine(cfg config.PorcupineConfig) (models.Detector, error) {
	return picovoice.New(cfg)
}

// run 加载配置并运行服务器，直到 ctx 结束
func run(ctx context.Context, args []string, opts options) error {
	fs := flag.NewFlagSet("wakeword-relay", flag.ContinueOnError)
	configFile := fs.String("config", "config.yaml", "配置文件路径")
	envFile := fs.String("env", ".env", "环境变量文件路径")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载%s失败: %w", *envFile, err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	lg := logger.New(cfg.Log)
	gin.SetMode(cfg.Server.Mode)

	provider, err := detector.NewProvider(cfg.Porcupine.Mode, func() (models.Detector, error) {
		return opts.newDetector(cfg.Porcupine)
	}, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			lg.Error().Err(err).Msg("释放检测器失败")
		}
	}()

	labels := cfg.Porcupine.Labels()
	lg.Info().
		Strs("keywords", labels).
		Str("mode", cfg.Porcupine.Mode).
		Msg("唤醒词检测器已就绪")

	r := gin.New()
	middleware.Setup(r, lg)

	wake := handlers.NewWakeHandler(cfg.WebSocket, provider, labels, lg)
	sessions := handlers.NewSessionHandler(provider, labels, cfg.WebSocket.MaxMessageSize, cfg.Server.SessionTTL, lg)
	status := handlers.NewStatusHandler(cfg, provider, wake, sessions)
	routes.RegisterRoutes(r, cfg, status, wake, sessions)

	srv := server.NewHTTPServer(cfg.Server.Addr(), r, cfg.TLS, lg)
	if err := srv.Listen(); err != nil {
		return err
	}
	lg.Info().Msgf("音频WebSocket地址: %s://%s%s", srv.Scheme(), srv.Addr(), cfg.Server.Path)
	if opts.ready != nil {
		opts.ready(srv.Addr())
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sessions.Run(sweepCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		lg.Info().Msg("收到退出信号")
	}

	if err := srv.Stop(); err != nil {
		lg.Warn().Err(err).Msg("关闭HTTP服务器失败")
	}
	wake.CloseAll()
	sessions.CloseAll()
	<-serveErr
	lg.Info().Int("active", provider.Active()).Msg("服务已停止")
	return nil
}
