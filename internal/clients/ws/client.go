// Package ws 提供唤醒服务的WebSocket客户端实现
package ws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wakeword_relay/internal/models"
)

// ErrNotConnected 连接尚未建立或已关闭
var ErrNotConnected = errors.New("WebSocket未连接")

// EventHandler 事件处理函数类型
type EventHandler func(event models.Event) error

// Config WebSocket客户端配置
type Config struct {
	URL                string        // WebSocket服务器地址
	HandshakeTimeout   time.Duration // 握手超时
	WriteWait          time.Duration // 写超时
	HeartbeatInterval  time.Duration // 心跳间隔，0表示不发送
	InsecureSkipVerify bool          // 跳过证书校验，用于自签名证书
}

// Client 唤醒服务客户端
type Client struct {
	cfg      Config
	conn     *websocket.Conn
	connLock sync.Mutex
	logger   zerolog.Logger

	handlers    map[string]EventHandler
	handlersMux sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	err       error
}

// NewClient 创建新的客户端
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With().Str("url", cfg.URL).Logger(),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
}

// RegisterHandler 注册事件处理器，event 为空字符串时处理所有未注册的事件
func (c *Client) RegisterHandler(event string, handler EventHandler) {
	c.handlersMux.Lock()
	defer c.handlersMux.Unlock()
	c.handlers[event] = handler
}

// Connect 连接到服务器并启动接收循环
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("连接WebSocket失败: %w", err)
	}
	c.conn = conn
	c.logger.Info().Msg("已连接到唤醒服务")

	go c.receiveLoop(conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(conn)
	}
	return nil
}

// SendAudio 发送一段PCM16音频
func (c *Client) SendAudio(chunk []byte) error {
	return c.write(websocket.BinaryMessage, chunk)
}

// SendInfo 发送 {"type":"info"} 元数据消息
func (c *Client) SendInfo(fields map[string]interface{}) error {
	msg := map[string]interface{}{"type": models.MessageTypeInfo}
	for k, v := range fields {
		if k != "type" {
			msg[k] = v
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("消息序列化失败: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("消息发送失败: %w", err)
	}
	return nil
}

// Done 接收循环结束时关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err 返回接收循环结束的原因，正常关闭时为nil
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close 发送关闭帧并断开连接
func (c *Client) Close() error {
	c.connLock.Lock()
	conn := c.conn
	c.conn = nil
	c.connLock.Unlock()

	if conn == nil {
		return nil
	}
	c.closing.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return conn.Close()
}

// heartbeat 定时发送Ping
func (c *Client) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Warn().Err(err).Msg("发送心跳失败")
				return
			}
		}
	}
}

// receiveLoop 接收消息循环
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				if closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway {
					c.err = closeErr
				}
			case !c.closing.Load():
				c.err = err
			}
			c.logger.Debug().Err(err).Msg("接收循环结束")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.dispatch(data); err != nil {
			c.logger.Warn().Err(err).Msg("处理消息失败")
		}
	}
}

// dispatch 按 event 字段调用对应的处理器
func (c *Client) dispatch(data []byte) error {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("解析消息失败: %w", err)
	}

	c.handlersMux.RLock()
	handler, ok := c.handlers[event.Event]
	if !ok {
		handler, ok = c.handlers[""]
	}
	c.handlersMux.RUnlock()

	if !ok {
		return nil
	}
	return handler(event)
}
