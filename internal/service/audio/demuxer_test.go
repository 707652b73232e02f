package audio

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrameLength = 512

// pcm 把采样点编码成小端字节
func pcm(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ramp 生成 start 开始的递增采样序列，便于校验顺序
func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestAppendScenario(t *testing.T) {
	d := NewDemuxer(testFrameLength, zerolog.Nop())

	var frames [][]int16
	for i := 0; i < 3; i++ {
		frames = append(frames, d.Append(pcm(ramp(i*200, 200)))...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, ramp(0, testFrameLength), frames[0])
	assert.Equal(t, 88, d.Buffered())
	assert.Equal(t, 1, d.Frames())
}

func TestAppendExactBoundaryEmptiesBuffer(t *testing.T) {
	d := NewDemuxer(testFrameLength, zerolog.Nop())

	frames := d.Append(pcm(ramp(0, testFrameLength*2)))
	require.Len(t, frames, 2)
	assert.Equal(t, 0, d.Buffered())
	assert.Equal(t, ramp(testFrameLength, testFrameLength), frames[1])

	assert.Empty(t, d.Append(nil))
	assert.Equal(t, 0, d.Buffered())
}

func TestAppendRandomChunksNoRemainder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(8)
		total := n * testFrameLength
		input := ramp(0, total)

		d := NewDemuxer(testFrameLength, zerolog.Nop())
		var frames [][]int16
		for pos := 0; pos < total; {
			size := 1 + rng.Intn(1500)
			if pos+size > total {
				size = total - pos
			}
			frames = append(frames, d.Append(pcm(input[pos:pos+size]))...)
			pos += size
		}

		require.Len(t, frames, n)
		for i, f := range frames {
			assert.Equal(t, input[i*testFrameLength:(i+1)*testFrameLength], f)
		}
		assert.Equal(t, 0, d.Buffered())
	}
}

func TestAppendRandomChunksWithRemainder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		total := rng.Intn(10 * testFrameLength)
		input := ramp(-3000, total)

		d := NewDemuxer(testFrameLength, zerolog.Nop())
		emitted := 0
		for pos := 0; pos < total; {
			size := 1 + rng.Intn(900)
			if pos+size > total {
				size = total - pos
			}
			for _, f := range d.Append(pcm(input[pos : pos+size])) {
				assert.Equal(t, input[emitted*testFrameLength:(emitted+1)*testFrameLength], f)
				emitted++
			}
			pos += size
		}

		assert.Equal(t, total/testFrameLength, emitted)
		assert.Equal(t, total%testFrameLength, d.Buffered())
		assert.Less(t, d.Buffered(), testFrameLength)
	}
}

func TestAppendOddLengthDropsTrailingByte(t *testing.T) {
	data := pcm(ramp(100, testFrameLength+10))
	odd := append(append([]byte{}, data...), 0x7f)

	even := NewDemuxer(testFrameLength, zerolog.Nop())
	dropped := NewDemuxer(testFrameLength, zerolog.Nop())

	assert.Equal(t, even.Append(data), dropped.Append(odd))
	assert.Equal(t, even.Buffered(), dropped.Buffered())
	assert.Equal(t, 1, dropped.DroppedBytes())
	assert.Equal(t, 0, even.DroppedBytes())

	// 单字节数据不产生采样
	assert.Empty(t, dropped.Append([]byte{0x01}))
	assert.Equal(t, 10, dropped.Buffered())
}

func TestAppendDecodesSignedLittleEndian(t *testing.T) {
	d := NewDemuxer(4, zerolog.Nop())
	frames := d.Append([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0xff, 0x7f})

	require.Len(t, frames, 1)
	assert.Equal(t, []int16{1, -1, -32768, 32767}, frames[0])
}

func TestFramesAreIndependentCopies(t *testing.T) {
	d := NewDemuxer(4, zerolog.Nop())
	first := d.Append(pcm([]int16{1, 2, 3, 4, 5}))
	second := d.Append(pcm([]int16{6, 7, 8}))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, []int16{1, 2, 3, 4}, first[0])
	assert.Equal(t, []int16{5, 6, 7, 8}, second[0])
}

func TestReset(t *testing.T) {
	d := NewDemuxer(testFrameLength, zerolog.Nop())
	d.Append(pcm(ramp(0, 300)))
	require.Equal(t, 300, d.Buffered())

	d.Reset()
	assert.Equal(t, 0, d.Buffered())

	frames := d.Append(pcm(ramp(1000, testFrameLength)))
	require.Len(t, frames, 1)
	assert.Equal(t, int16(1000), frames[0][0])
}

func TestNewDemuxerInvalidFrameLength(t *testing.T) {
	assert.Panics(t, func() { NewDemuxer(0, zerolog.Nop()) })
}
