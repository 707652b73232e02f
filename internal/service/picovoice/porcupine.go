// Package picovoice 基于Picovoice Porcupine实现唤醒词检测器
package picovoice

import (
	"fmt"
	"sync"

	porcupine "github.com/Picovoice/porcupine/binding/go/v3"

	"wakeword_relay/internal/config"
)

// Detector Porcupine检测器句柄
type Detector struct {
	handle      *porcupine.Porcupine
	keywords    []config.Keyword
	frameLength int
	sampleRate  int
	once        sync.Once
	err         error
}

// initMu Init 会改写包级变量 FrameLength/SampleRate，初始化需要串行
var initMu sync.Mutex

// New 加载关键词模型并初始化Porcupine
func New(cfg config.PorcupineConfig) (*Detector, error) {
	if cfg.AccessKey == "" {
		return nil, config.ErrEmptyAccessKey
	}

	keywords := cfg.ResolveKeywords()
	handle := newHandle(cfg, keywords)

	initMu.Lock()
	defer initMu.Unlock()
	if err := handle.Init(); err != nil {
		return nil, fmt.Errorf("初始化Porcupine失败: %w", err)
	}

	return &Detector{
		handle:      handle,
		keywords:    keywords,
		frameLength: porcupine.FrameLength,
		sampleRate:  porcupine.SampleRate,
	}, nil
}

// newHandle 按关键词列表组装Porcupine参数，内置关键词和模型文件不能混用
func newHandle(cfg config.PorcupineConfig, keywords []config.Keyword) *porcupine.Porcupine {
	handle := &porcupine.Porcupine{
		AccessKey: cfg.AccessKey,
		ModelPath: cfg.ModelPath,
	}
	for _, k := range keywords {
		if k.BuiltIn {
			handle.BuiltInKeywords = append(handle.BuiltInKeywords, porcupine.BuiltInKeyword(k.Label))
		} else {
			handle.KeywordPaths = append(handle.KeywordPaths, k.Path)
		}
		handle.Sensitivities = append(handle.Sensitivities, k.Sensitivity)
	}
	return handle
}

// Process 处理一帧音频，返回关键词序号，未匹配返回-1
func (d *Detector) Process(frame []int16) (int, error) {
	if len(frame) != d.frameLength {
		return -1, fmt.Errorf("帧长度错误: 期望%d，实际%d", d.frameLength, len(frame))
	}
	index, err := d.handle.Process(frame)
	if err != nil {
		return -1, fmt.Errorf("Porcupine处理失败: %w", err)
	}
	return index, nil
}

// FrameLength 每帧采样点数
func (d *Detector) FrameLength() int {
	return d.frameLength
}

// SampleRate 采样率
func (d *Detector) SampleRate() int {
	return d.sampleRate
}

// Keywords 返回加载的关键词
func (d *Detector) Keywords() []config.Keyword {
	return d.keywords
}

// Close 释放Porcupine资源
func (d *Detector) Close() error {
	d.once.Do(func() {
		d.err = d.handle.Delete()
	})
	return d.err
}
