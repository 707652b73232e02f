package models

// EventSender 向连接下发事件
type EventSender interface {
	// Send 以JSON文本帧发送事件
	Send(event interface{}) error
}
