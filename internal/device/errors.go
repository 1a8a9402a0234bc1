package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported 发现协议不支持该操作
	ErrNotSupported = errors.New("协议不支持此操作")

	// ErrMappingNotFound 设备上不存在指定的端口映射
	ErrMappingNotFound = errors.New("端口映射不存在")

	// ErrNoGateway 未发现可用网关
	ErrNoGateway = errors.New("未发现可用网关")

	// ErrInvalidProtocol 协议字段非法
	ErrInvalidProtocol = errors.New("非法的映射协议")
)

// MappingError 端口映射操作错误
//
// 携带操作名、设备标识与所涉及的映射，调用方据此区分
// "设备不可达"与"请求被拒绝"等情况。
type MappingError struct {
	Op      string
	Device  string
	Mapping *Mapping
	Err     error
}

func (e *MappingError) Error() string {
	if e.Mapping != nil {
		return fmt.Sprintf("%s失败: 设备=%s 映射=%s: %v", e.Op, e.Device, e.Mapping.Key(), e.Err)
	}
	return fmt.Sprintf("%s失败: 设备=%s: %v", e.Op, e.Device, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// newMappingError 构造端口映射操作错误
func newMappingError(op, device string, m *Mapping, err error) *MappingError {
	return &MappingError{Op: op, Device: device, Mapping: m, Err: err}
}
