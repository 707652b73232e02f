package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// WAV 错误
var (
	ErrNotWAV            = errors.New("不是有效的WAV文件")
	ErrUnsupportedFormat = errors.New("只支持单声道16位PCM")
)

// wavFormatPCM fmt块中的PCM格式码
const wavFormatPCM = 1

// WAVInfo WAV音频信息
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataSize      int
}

// ReadWAV 读取单声道16位PCM WAV，返回格式信息和小端PCM16数据
func ReadWAV(r io.ReadSeeker) (*WAVInfo, []byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, nil, ErrNotWAV
	}

	info := &WAVInfo{
		SampleRate:    int(d.SampleRate),
		Channels:      int(d.NumChans),
		BitsPerSample: int(d.BitDepth),
	}
	if d.WavAudioFormat != wavFormatPCM || d.NumChans != 1 || d.BitDepth != 16 {
		return info, nil, fmt.Errorf("%w: format=%d channels=%d bits=%d",
			ErrUnsupportedFormat, d.WavAudioFormat, d.NumChans, d.BitDepth)
	}

	// IsValidFile 已经读过文件头，重新从头解码
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	buf, err := wav.NewDecoder(r).FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	info.DataSize = len(pcm)
	return info, pcm, nil
}

// SplitPCM 按采样点数切分PCM16数据，最后一段可能不足
func SplitPCM(data []byte, samples int) [][]byte {
	size := samples * 2
	if size <= 0 {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
