package config

import "errors"

// 配置相关错误
var (
	ErrEmptyAccessKey      = errors.New("Picovoice访问密钥不能为空，请设置PICOVOICE_ACCESS_KEY")
	ErrInvalidDetectorMode = errors.New("检测器模式无效")
	ErrInvalidPort         = errors.New("服务器端口无效")
	ErrMissingTLSMaterial  = errors.New("启用TLS时必须提供证书和私钥文件，或启用自签名证书")
)
