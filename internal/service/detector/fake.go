package detector

import (
	"errors"
	"sync"

	"wakeword_relay/internal/models"
)

// Fake 用于测试和离线调试的检测器
//
// 帧的第一个采样等于 WakeMarker 时返回第二个采样作为关键词序号，
// 等于 ErrorMarker 时返回 ErrFakeFrame，其余帧不匹配。
type Fake struct {
	Frame int
	Rate  int

	mu     sync.Mutex
	frames [][]int16
	closed int
}

// 标记采样值
const (
	WakeMarker  int16 = 0x5757
	ErrorMarker int16 = 0x4545
)

// ErrFakeFrame Fake 检测器对 ErrorMarker 帧返回的错误
var ErrFakeFrame = errors.New("fake detector: rejected frame")

// NewFake 创建指定帧长的 Fake 检测器
func NewFake(frameLength int) *Fake {
	return &Fake{Frame: frameLength, Rate: 16000}
}

func (f *Fake) Process(frame []int16) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	if len(frame) == 0 {
		return models.NoMatch, nil
	}
	switch frame[0] {
	case WakeMarker:
		if len(frame) > 1 {
			return int(frame[1]), nil
		}
		return 0, nil
	case ErrorMarker:
		return models.NoMatch, ErrFakeFrame
	}
	return models.NoMatch, nil
}

func (f *Fake) FrameLength() int { return f.Frame }
func (f *Fake) SampleRate() int  { return f.Rate }

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// Frames 返回收到的所有帧
func (f *Fake) Frames() [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int16, len(f.frames))
	copy(out, f.frames)
	return out
}

// Closed 返回 Close 被调用的次数
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
