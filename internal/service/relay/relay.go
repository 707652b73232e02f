// Package relay 把音频帧送入唤醒词检测器，并把检测结果回传给连接
package relay

import (
	"fmt"

	"github.com/rs/zerolog"

	"wakeword_relay/internal/models"
)

// Result 单帧检测结果
type Result struct {
	KeywordIndex int  // 匹配的关键词序号
	Matched      bool // 是否匹配
	Failed       bool // 检测器是否报错
}

// Relay 单个连接的检测中继
type Relay struct {
	detector models.Detector
	sender   models.EventSender
	labels   []string
	logger   zerolog.Logger

	wakes  int
	errors int
}

// New 创建检测中继，labels 按关键词序号给出展示名称，可为空
func New(detector models.Detector, sender models.EventSender, labels []string, logger zerolog.Logger) *Relay {
	return &Relay{
		detector: detector,
		sender:   sender,
		labels:   labels,
		logger:   logger,
	}
}

// OnFrame 同步检测一帧音频
//
// 检测器报错时向连接发送error事件并继续，返回的error只表示事件发送失败。
func (r *Relay) OnFrame(frame []int16) (Result, error) {
	index, err := r.detector.Process(frame)
	if err != nil {
		r.errors++
		r.logger.Error().Err(err).Msg("唤醒词检测失败")
		if sendErr := r.sender.Send(models.NewErrorEvent(err.Error())); sendErr != nil {
			return Result{KeywordIndex: models.NoMatch, Failed: true}, fmt.Errorf("发送错误事件失败: %w", sendErr)
		}
		return Result{KeywordIndex: models.NoMatch, Failed: true}, nil
	}

	if index < 0 {
		return Result{KeywordIndex: models.NoMatch}, nil
	}

	r.wakes++
	keyword := r.label(index)
	r.logger.Info().Int("keyword_index", index).Str("keyword", keyword).Msg("检测到唤醒词")

	if err := r.sender.Send(models.NewWakeEvent(index, keyword)); err != nil {
		return Result{KeywordIndex: index, Matched: true}, fmt.Errorf("发送唤醒事件失败: %w", err)
	}
	return Result{KeywordIndex: index, Matched: true}, nil
}

// Feed 按顺序检测多帧，遇到发送失败立即停止
func (r *Relay) Feed(frames [][]int16) error {
	for _, frame := range frames {
		if _, err := r.OnFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// Wakes 已下发的唤醒事件数
func (r *Relay) Wakes() int {
	return r.wakes
}

// Errors 检测失败的帧数
func (r *Relay) Errors() int {
	return r.errors
}

func (r *Relay) label(index int) string {
	if index < len(r.labels) {
		return r.labels[index]
	}
	return ""
}
