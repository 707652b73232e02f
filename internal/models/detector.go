package models

// NoMatch 检测器没有匹配到关键词时返回的序号
const NoMatch = -1

// Detector 唤醒词检测器接口
//
// 检测器内部保存滚动的声学上下文，同一实例必须按到达顺序逐帧调用，
// 不能跳帧或乱序。
type Detector interface {
	// Process 处理一帧音频，返回匹配的关键词序号，未匹配时返回 NoMatch
	Process(frame []int16) (int, error)

	// FrameLength 每帧采样点数
	FrameLength() int

	// SampleRate 采样率
	SampleRate() int

	// Close 释放检测器资源
	Close() error
}
