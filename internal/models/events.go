package models

// 服务端下发的事件名称
const (
	EventWake  = "wake"
	EventError = "error"
)

// MessageTypeInfo 客户端上报的元数据消息类型
const MessageTypeInfo = "info"

// WakeEvent 检测到唤醒词时下发的事件
type WakeEvent struct {
	Event        string `json:"event"`
	KeywordIndex int    `json:"keywordIndex"`
	Keyword      string `json:"keyword,omitempty"`
}

// ErrorEvent 单帧检测失败时下发的事件
type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Event 客户端解析下行消息用的通用结构
type Event struct {
	Event        string `json:"event"`
	KeywordIndex int    `json:"keywordIndex"`
	Keyword      string `json:"keyword,omitempty"`
	Message      string `json:"message,omitempty"`
}

// NewWakeEvent 创建唤醒事件
func NewWakeEvent(index int, keyword string) WakeEvent {
	return WakeEvent{Event: EventWake, KeywordIndex: index, Keyword: keyword}
}

// NewErrorEvent 创建错误事件
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Event: EventError, Message: message}
}
