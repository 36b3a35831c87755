package tracking

import "errors"

var (
	// ErrInvalidObservation 观测字段缺失或非法（调用方错误，不修改任何状态）
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrUnknownChild 查询的儿童没有任何位置记录
	ErrUnknownChild = errors.New("unknown child")

	// ErrStateStoreUnavailable 状态存储不可用（唯一需要向上抛出的硬错误，可重试）
	ErrStateStoreUnavailable = errors.New("state store unavailable")

	// ErrStateNotFound 存储层未命中
	ErrStateNotFound = errors.New("state not found")

	// ErrCorruptState 存储中的状态无法解码（不可重试，下一次写入覆盖）
	ErrCorruptState = errors.New("corrupt child state")
)
