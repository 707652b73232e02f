// Package detector 管理唤醒词检测器实例的生命周期
package detector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/models"
)

// ErrProviderClosed 检测器已释放
var ErrProviderClosed = errors.New("检测器已释放")

// NewFunc 创建一个新的检测器实例
type NewFunc func() (models.Detector, error)

// Provider 检测器提供者
type Provider interface {
	// Acquire 为一个连接获取检测器，连接断开时调用返回值的 Close
	Acquire() (models.Detector, error)

	// FrameLength 每帧采样点数
	FrameLength() int

	// SampleRate 采样率
	SampleRate() int

	// Active 当前被连接持有的检测器数量
	Active() int

	// Close 释放所有检测器，重复调用无副作用
	Close() error
}

// NewProvider 按模式创建提供者，启动时立即创建一个实例以尽早发现凭证或模型错误
func NewProvider(mode string, newFn NewFunc, logger zerolog.Logger) (Provider, error) {
	first, err := newFn()
	if err != nil {
		return nil, fmt.Errorf("初始化唤醒词检测器失败: %w", err)
	}

	switch mode {
	case "", config.DetectorModeShared:
		logger.Info().
			Int("frame_length", first.FrameLength()).
			Int("sample_rate", first.SampleRate()).
			Msg("使用共享检测器")
		return newSharedProvider(first), nil
	case config.DetectorModePerConnection:
		logger.Info().
			Int("frame_length", first.FrameLength()).
			Int("sample_rate", first.SampleRate()).
			Msg("每个连接使用独立检测器")
		return newPooledProvider(first, newFn), nil
	default:
		first.Close()
		return nil, fmt.Errorf("%w: %s", config.ErrInvalidDetectorMode, mode)
	}
}

// sharedProvider 所有连接共享一个检测器，用互斥锁串行化调用
//
// mu 只保护检测器调用，连接计数和关闭标记不经过 mu，连接断开不会等待其他连接正在进行的检测。
type sharedProvider struct {
	mu       sync.Mutex
	detector models.Detector
	closed   atomic.Bool
	active   atomic.Int32
	once     sync.Once
	closeErr error
}

func newSharedProvider(d models.Detector) *sharedProvider {
	return &sharedProvider{detector: d}
}

func (p *sharedProvider) Acquire() (models.Detector, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	p.active.Add(1)
	return &sharedLease{provider: p}, nil
}

func (p *sharedProvider) FrameLength() int { return p.detector.FrameLength() }
func (p *sharedProvider) SampleRate() int  { return p.detector.SampleRate() }

func (p *sharedProvider) Active() int {
	return int(p.active.Load())
}

func (p *sharedProvider) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeErr = p.detector.Close()
	})
	return p.closeErr
}

func (p *sharedProvider) process(frame []int16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return models.NoMatch, ErrProviderClosed
	}
	return p.detector.Process(frame)
}

func (p *sharedProvider) release() {
	p.active.Add(-1)
}

// sharedLease 连接持有的共享检测器句柄，Close 不会释放底层实例
type sharedLease struct {
	provider *sharedProvider
	once     sync.Once
}

func (l *sharedLease) Process(frame []int16) (int, error) { return l.provider.process(frame) }
func (l *sharedLease) FrameLength() int                   { return l.provider.FrameLength() }
func (l *sharedLease) SampleRate() int                    { return l.provider.SampleRate() }

func (l *sharedLease) Close() error {
	l.once.Do(l.provider.release)
	return nil
}

// pooledProvider 每个连接创建独立的检测器
type pooledProvider struct {
	mu          sync.Mutex
	newFn       NewFunc
	frameLength int
	sampleRate  int
	spare       models.Detector
	open        map[*ownedDetector]struct{}
	closed      bool
	once        sync.Once
	closeErr    error
}

func newPooledProvider(first models.Detector, newFn NewFunc) *pooledProvider {
	return &pooledProvider{
		newFn:       newFn,
		frameLength: first.FrameLength(),
		sampleRate:  first.SampleRate(),
		spare:       first,
		open:        make(map[*ownedDetector]struct{}),
	}
}

func (p *pooledProvider) Acquire() (models.Detector, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	// 启动时创建的实例交给第一个连接
	d := p.spare
	p.spare = nil
	p.mu.Unlock()

	if d == nil {
		var err error
		d, err = p.newFn()
		if err != nil {
			return nil, fmt.Errorf("创建检测器失败: %w", err)
		}
	}

	owned := &ownedDetector{Detector: d, provider: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		d.Close()
		return nil, ErrProviderClosed
	}
	p.open[owned] = struct{}{}
	return owned, nil
}

func (p *pooledProvider) FrameLength() int { return p.frameLength }
func (p *pooledProvider) SampleRate() int  { return p.sampleRate }

func (p *pooledProvider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

func (p *pooledProvider) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		open := make([]*ownedDetector, 0, len(p.open))
		for d := range p.open {
			open = append(open, d)
		}
		spare := p.spare
		p.spare = nil
		p.mu.Unlock()

		var errs []error
		if spare != nil {
			errs = append(errs, spare.Close())
		}
		for _, d := range open {
			errs = append(errs, d.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *pooledProvider) forget(d *ownedDetector) {
	p.mu.Lock()
	delete(p.open, d)
	p.mu.Unlock()
}

// ownedDetector 连接独占的检测器，Close 只释放一次
//
// 进程退出时 Close 可能与连接的 Process 并发执行，用互斥锁保证不会释放正在使用的实例。
type ownedDetector struct {
	models.Detector
	provider *pooledProvider
	mu       sync.Mutex
	closed   bool
	err      error
}

func (d *ownedDetector) Process(frame []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return models.NoMatch, ErrProviderClosed
	}
	return d.Detector.Process(frame)
}

func (d *ownedDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.err
	}
	d.closed = true
	d.provider.forget(d)
	d.err = d.Detector.Close()
	return d.err
}
