// Package config 提供配置加载和管理功能
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSensitivity 未配置灵敏度的关键词使用的默认值
	DefaultSensitivity = 0.6
	// DefaultKeyword 未配置任何关键词时使用的内置唤醒词
	DefaultKeyword = "bumblebee"

	// DetectorModeShared 全进程共享一个检测器实例
	DetectorModeShared = "shared"
	// DetectorModePerConnection 每个连接独立创建检测器实例
	DetectorModePerConnection = "per_connection"
)

// Config 应用程序配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Porcupine PorcupineConfig `yaml:"porcupine"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host       string        `yaml:"host"`        // 服务器监听地址
	Port       int           `yaml:"port"`        // 服务器监听端口
	Path       string        `yaml:"path"`        // 音频WebSocket路径
	StaticDir  string        `yaml:"static_dir"`  // 静态文件目录
	Mode       string        `yaml:"mode"`        // gin运行模式
	SessionTTL time.Duration `yaml:"session_ttl"` // HTTP会话空闲超时
}

// TLSConfig 传输加密配置
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // 是否启用TLS
	CertFile   string `yaml:"cert_file"`   // 证书文件
	KeyFile    string `yaml:"key_file"`    // 私钥文件
	SelfSigned bool   `yaml:"self_signed"` // 没有证书文件时生成自签名证书
}

// PorcupineConfig 唤醒词检测器配置
type PorcupineConfig struct {
	AccessKey     string    `yaml:"access_key"`    // Picovoice访问密钥
	ModelPath     string    `yaml:"model_path"`    // 模型参数文件，可为空
	KeywordPaths  []string  `yaml:"keyword_paths"` // .ppn关键词文件
	Keywords      []string  `yaml:"keywords"`      // 内置关键词名称
	Sensitivities []float64 `yaml:"sensitivities"` // 每个关键词的灵敏度
	Mode          string    `yaml:"mode"`          // shared 或 per_connection
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	MaxMessageSize  int64         `yaml:"max_message_size"`  // 单条消息最大字节数
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
	WriteWait       time.Duration `yaml:"write_wait"`        // 写超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // console 或 json
}

// Keyword 解析后的关键词
type Keyword struct {
	Label       string  // 展示名称
	Path        string  // 关键词文件路径，内置关键词为空
	BuiltIn     bool    // 是否为内置关键词
	Sensitivity float32 // 灵敏度
}

// Load 从文件加载配置，文件不存在时只使用环境变量和默认值
func Load(filename string) (*Config, error) {
	var config Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
		}
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Addr 返回监听地址
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolveKeywords 按配置解析出关键词列表，路径优先于内置名称
func (c *PorcupineConfig) ResolveKeywords() []Keyword {
	var keywords []Keyword
	switch {
	case len(c.KeywordPaths) > 0:
		for _, p := range c.KeywordPaths {
			keywords = append(keywords, Keyword{Label: keywordLabel(p), Path: p})
		}
	case len(c.Keywords) > 0:
		for _, name := range c.Keywords {
			keywords = append(keywords, Keyword{Label: strings.ToLower(name), BuiltIn: true})
		}
	default:
		keywords = []Keyword{{Label: DefaultKeyword, BuiltIn: true}}
	}

	for i := range keywords {
		s := DefaultSensitivity
		if i < len(c.Sensitivities) {
			s = clamp(c.Sensitivities[i])
		}
		keywords[i].Sensitivity = float32(s)
	}
	return keywords
}

// Labels 返回关键词展示名称，按检测器的关键词序号排列
func (c *PorcupineConfig) Labels() []string {
	keywords := c.ResolveKeywords()
	labels := make([]string, len(keywords))
	for i, k := range keywords {
		labels[i] = k.Label
	}
	return labels
}

// keywordLabel 从 "hey-loki_en_linux_v3_0_0.ppn" 提取 "hey-loki"
func keywordLabel(path string) string {
	name := path
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".ppn")
	if i := strings.Index(name, "_"); i > 0 {
		name = name[:i]
	}
	return name
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// applyEnv 使用环境变量覆盖配置
func applyEnv(config *Config) error {
	if v := os.Getenv("PICOVOICE_ACCESS_KEY"); v != "" {
		config.Porcupine.AccessKey = v
	}
	if v := os.Getenv("PORCUPINE_MODEL_PATH"); v != "" {
		config.Porcupine.ModelPath = v
	}
	if v := os.Getenv("KEYWORD_PATHS"); v != "" {
		config.Porcupine.KeywordPaths = splitList(v)
	}
	if v := os.Getenv("KEYWORDS"); v != "" {
		config.Porcupine.Keywords = splitList(v)
	}
	if v := os.Getenv("SENSITIVITIES"); v != "" {
		var sens []float64
		for _, s := range splitList(v) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("SENSITIVITIES 包含无效数值 %q: %w", s, err)
			}
			sens = append(sens, f)
		}
		config.Porcupine.Sensitivities = sens
	}
	if v := os.Getenv("DETECTOR_MODE"); v != "" {
		config.Porcupine.Mode = v
	}

	if v := os.Getenv("HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT 无效 %q: %w", v, err)
		}
		config.Server.Port = port
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		config.Server.Path = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		config.Server.StaticDir = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = parseBool(v)
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		config.TLS.SelfSigned = parseBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Log.Format = v
	}
	return nil
}

// applyDefaults 设置默认值
func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 5000
	}
	if config.Server.Path == "" {
		config.Server.Path = "/ws-audio"
	}
	if config.Server.StaticDir == "" {
		config.Server.StaticDir = "public"
	}
	if config.Server.Mode == "" {
		config.Server.Mode = "release"
	}
	if config.Server.SessionTTL == 0 {
		config.Server.SessionTTL = 5 * time.Minute
	}

	if config.Porcupine.Mode == "" {
		config.Porcupine.Mode = DetectorModeShared
	}

	if config.WebSocket.ReadBufferSize == 0 {
		config.WebSocket.ReadBufferSize = 4096
	}
	if config.WebSocket.WriteBufferSize == 0 {
		config.WebSocket.WriteBufferSize = 1024
	}
	if config.WebSocket.MaxMessageSize == 0 {
		config.WebSocket.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if config.WebSocket.PingPeriod == 0 {
		config.WebSocket.PingPeriod = 30 * time.Second
	}
	if config.WebSocket.PongWait == 0 {
		config.WebSocket.PongWait = 60 * time.Second
	}
	if config.WebSocket.WriteWait == 0 {
		config.WebSocket.WriteWait = 10 * time.Second
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}

// validateConfig 验证配置是否有效
func validateConfig(config *Config) error {
	if config.Porcupine.AccessKey == "" {
		return ErrEmptyAccessKey
	}
	if config.Porcupine.Mode != DetectorModeShared && config.Porcupine.Mode != DetectorModePerConnection {
		return fmt.Errorf("%w: %s", ErrInvalidDetectorMode, config.Porcupine.Mode)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}
	switch config.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("无效的运行模式: %s", config.Server.Mode)
	}
	if !strings.HasPrefix(config.Server.Path, "/") {
		return fmt.Errorf("WebSocket路径必须以/开头: %s", config.Server.Path)
	}

	if config.TLS.Enabled && !config.TLS.SelfSigned {
		if config.TLS.CertFile == "" || config.TLS.KeyFile == "" {
			return ErrMissingTLSMaterial
		}
	}

	if config.WebSocket.PingPeriod >= config.WebSocket.PongWait {
		return fmt.Errorf("心跳间隔(%s)必须小于Pong超时(%s)", config.WebSocket.PingPeriod, config.WebSocket.PongWait)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
