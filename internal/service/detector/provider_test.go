package detector

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeword_relay/internal/config"
	"wakeword_relay/internal/models"
)

func TestNewProviderInitFailure(t *testing.T) {
	initErr := errors.New("invalid access key")
	_, err := NewProvider(config.DetectorModeShared, func() (models.Detector, error) {
		return nil, initErr
	}, zerolog.Nop())

	require.Error(t, err)
	assert.ErrorIs(t, err, initErr)
}

func TestNewProviderInvalidMode(t *testing.T) {
	fake := NewFake(512)
	_, err := NewProvider("pooled", func() (models.Detector, error) { return fake, nil }, zerolog.Nop())

	assert.ErrorIs(t, err, config.ErrInvalidDetectorMode)
	assert.Equal(t, 1, fake.Closed())
}

func TestSharedProvider(t *testing.T) {
	fake := NewFake(512)
	created := 0
	p, err := NewProvider(config.DetectorModeShared, func() (models.Detector, error) {
		created++
		return fake, nil
	}, zerolog.Nop())
	require.NoError(t, err)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, p.Active())
	assert.Equal(t, 512, a.FrameLength())
	assert.Equal(t, 16000, p.SampleRate())

	// 连接断开不释放共享实例，重复 Close 只计一次
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, p.Active())
	assert.Equal(t, 0, fake.Closed())

	idx, err := b.Process([]int16{WakeMarker, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fake.Closed())

	_, err = b.Process(make([]int16, 512))
	assert.ErrorIs(t, err, ErrProviderClosed)
	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestSharedProviderSerializesCalls(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex
	det := &funcDetector{process: func(frame []int16) (int, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		return models.NoMatch, nil
	}}

	p, err := NewProvider(config.DetectorModeShared, func() (models.Detector, error) { return det, nil }, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		lease, err := p.Acquire()
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer lease.Close()
			for j := 0; j < 200; j++ {
				lease.Process(make([]int16, 4))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, 0, p.Active())
}

func TestPerConnectionProvider(t *testing.T) {
	var fakes []*Fake
	p, err := NewProvider(config.DetectorModePerConnection, func() (models.Detector, error) {
		f := NewFake(256)
		fakes = append(fakes, f)
		return f, nil
	}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, fakes, 1)

	// 第一个连接复用启动时创建的实例
	a, err := p.Acquire()
	require.NoError(t, err)
	assert.Len(t, fakes, 1)

	b, err := p.Acquire()
	require.NoError(t, err)
	require.Len(t, fakes, 2)
	assert.Equal(t, 2, p.Active())
	assert.Equal(t, 256, p.FrameLength())

	_, err = b.Process([]int16{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, fakes[1].Frames(), 1)
	assert.Empty(t, fakes[0].Frames())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, fakes[0].Closed())
	assert.Equal(t, 1, p.Active())

	// 退出时释放仍被持有的实例，且每个只释放一次
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fakes[0].Closed())
	assert.Equal(t, 1, fakes[1].Closed())
	assert.Equal(t, 0, p.Active())

	_, err = b.Process([]int16{1})
	assert.ErrorIs(t, err, ErrProviderClosed)
	require.NoError(t, b.Close())
	assert.Equal(t, 1, fakes[1].Closed())
}

func TestPerConnectionProviderCloseReleasesSpare(t *testing.T) {
	fake := NewFake(512)
	p, err := NewProvider(config.DetectorModePerConnection, func() (models.Detector, error) { return fake, nil }, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, fake.Closed())
}

func TestPerConnectionAcquireFailure(t *testing.T) {
	calls := 0
	acquireErr := errors.New("out of memory")
	p, err := NewProvider(config.DetectorModePerConnection, func() (models.Detector, error) {
		calls++
		if calls > 1 {
			return nil, acquireErr
		}
		return NewFake(512), nil
	}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	assert.ErrorIs(t, err, acquireErr)
}

func TestFake(t *testing.T) {
	f := NewFake(4)

	idx, err := f.Process([]int16{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, models.NoMatch, idx)

	idx, err = f.Process([]int16{WakeMarker, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	_, err = f.Process([]int16{ErrorMarker, 0, 0, 0})
	assert.ErrorIs(t, err, ErrFakeFrame)
	assert.Len(t, f.Frames(), 3)
}

type funcDetector struct {
	process func([]int16) (int, error)
}

func (d *funcDetector) Process(frame []int16) (int, error) { return d.process(frame) }
func (d *funcDetector) FrameLength() int                   { return 4 }
func (d *funcDetector) SampleRate() int                    { return 16000 }
func (d *funcDetector) Close() error                       { return nil }

func TestSharedLeaseCloseDuringOtherProcess(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	det := &funcDetector{process: func(frame []int16) (int, error) {
		close(entered)
		<-unblock
		return models.NoMatch, nil
	}}

	p, err := NewProvider(config.DetectorModeShared, func() (models.Detector, error) { return det, nil }, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	processed := make(chan struct{})
	go func() {
		defer close(processed)
		a.Process(make([]int16, 4))
	}()
	<-entered

	// 连接 a 的检测仍在进行，连接 b 断开和新连接接入都不能被阻塞
	released := make(chan struct{})
	go func() {
		defer close(released)
		b.Close()
		c, err := p.Acquire()
		if err == nil {
			c.Close()
		}
		p.Active()
	}()

	select {
	case <-released:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("断开连接等待了其他连接的检测调用")
	}
	assert.Equal(t, 1, p.Active())

	close(unblock)
	<-processed
	require.NoError(t, a.Close())
	assert.Equal(t, 0, p.Active())
}
