// Package audio 把任意长度的PCM16字节流切分成固定长度的音频帧
package audio

import (
	"encoding/binary"

	"github.com/rs/zerolog"
)

// BytesPerSample 16位PCM每个采样点的字节数
const BytesPerSample = 2

// Demuxer 单个连接的采样缓冲区
//
// 不是并发安全的，只能由持有连接的goroutine调用。
type Demuxer struct {
	frameLength  int
	buf          []int16
	frames       int
	droppedBytes int
	logger       zerolog.Logger
}

// NewDemuxer 创建帧长为 frameLength 个采样点的切分器
func NewDemuxer(frameLength int, logger zerolog.Logger) *Demuxer {
	if frameLength <= 0 {
		panic("audio: frameLength must be positive")
	}
	return &Demuxer{
		frameLength: frameLength,
		buf:         make([]int16, 0, frameLength*2),
		logger:      logger,
	}
}

// Append 追加一段小端16位PCM数据，按到达顺序返回所有完整的帧
//
// 奇数长度的数据会丢弃最后一个不完整的字节。返回的每一帧都是独立的拷贝。
func (d *Demuxer) Append(chunk []byte) [][]int16 {
	if len(chunk)%BytesPerSample != 0 {
		d.logger.Warn().
			Int("bytes", len(chunk)).
			Msg("音频数据长度为奇数，丢弃最后一个字节")
		chunk = chunk[:len(chunk)-1]
		d.droppedBytes++
	}

	for i := 0; i+1 < len(chunk); i += BytesPerSample {
		d.buf = append(d.buf, int16(binary.LittleEndian.Uint16(chunk[i:])))
	}

	if len(d.buf) < d.frameLength {
		return nil
	}

	frames := make([][]int16, 0, len(d.buf)/d.frameLength)
	offset := 0
	for len(d.buf)-offset >= d.frameLength {
		frame := make([]int16, d.frameLength)
		copy(frame, d.buf[offset:offset+d.frameLength])
		frames = append(frames, frame)
		offset += d.frameLength
	}

	// 剩余采样移到缓冲区开头
	n := copy(d.buf, d.buf[offset:])
	d.buf = d.buf[:n]
	d.frames += len(frames)

	return frames
}

// Buffered 当前缓冲区中未凑满一帧的采样点数
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// FrameLength 每帧采样点数
func (d *Demuxer) FrameLength() int {
	return d.frameLength
}

// Frames 已输出的帧数
func (d *Demuxer) Frames() int {
	return d.frames
}

// DroppedBytes 因奇数长度被丢弃的字节数
func (d *Demuxer) DroppedBytes() int {
	return d.droppedBytes
}

// Reset 丢弃缓冲区中的数据
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
}
