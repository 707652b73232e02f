// Package server 提供HTTP/HTTPS服务器
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"wakeword_relay/internal/config"
)

// HTTPServer HTTP服务器，按配置决定是否启用TLS
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	tlsCfg   config.TLSConfig
	logger   zerolog.Logger
}

// NewHTTPServer 创建HTTP服务器
func NewHTTPServer(addr string, handler http.Handler, tlsCfg config.TLSConfig, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tlsCfg: tlsCfg,
		logger: logger,
	}
}

// Listen 绑定监听地址，TLS配置在这里加载，证书错误不会留下已绑定的端口
func (s *HTTPServer) Listen() error {
	tlsConfig, err := s.loadTLS()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("监听%s失败: %w", s.server.Addr, err)
	}
	if tlsConfig != nil {
		s.server.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.listener = ln
	return nil
}

// Addr 返回实际监听地址
func (s *HTTPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Scheme 返回 ws 或 wss
func (s *HTTPServer) Scheme() string {
	if s.tlsCfg.Enabled {
		return "wss"
	}
	return "ws"
}

// Serve 开始处理请求，阻塞直到服务器关闭
func (s *HTTPServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("tls", s.tlsCfg.Enabled).
		Msg("HTTP服务器已启动")

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务器错误: %w", err)
	}
	return nil
}

// Stop 立即关闭服务器和所有连接
func (s *HTTPServer) Stop() error {
	s.logger.Info().Msg("正在停止HTTP服务器")
	return s.server.Close()
}

// loadTLS 加载证书，未启用TLS时返回nil
func (s *HTTPServer) loadTLS() (*tls.Config, error) {
	if !s.tlsCfg.Enabled {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	switch {
	case s.tlsCfg.CertFile != "" && s.tlsCfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(s.tlsCfg.CertFile, s.tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("加载TLS证书失败: %w", err)
		}
	case s.tlsCfg.SelfSigned:
		cert, err = SelfSignedCertificate(s.server.Addr, 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("生成自签名证书失败: %w", err)
		}
		s.logger.Warn().Msg("使用自签名证书，浏览器需要手动信任")
	default:
		return nil, config.ErrMissingTLSMaterial
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
