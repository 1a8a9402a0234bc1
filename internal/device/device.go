package device

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Protocol 端口映射协议
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// Valid 检查协议是否合法
func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Kind 设备发现协议类型
type Kind string

const (
	KindIGD    Kind = "upnp-igd"
	KindNATPMP Kind = "nat-pmp"
)

// Mapping 端口映射信息
//
// 同一设备上以 (协议, 外部端口) 唯一标识一条映射。
type Mapping struct {
	Protocol     Protocol  `json:"protocol"`
	ExternalPort int       `json:"external_port"`
	InternalIP   net.IP    `json:"internal_ip"`
	InternalPort int       `json:"internal_port"`
	Description  string    `json:"description"`
	LeaseSeconds uint32    `json:"lease_seconds"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key 获取映射键
func (m Mapping) Key() string {
	return fmt.Sprintf("%s:%d", m.Protocol, m.ExternalPort)
}

// Same 判断两条映射是否指向同一条转发规则
func (m Mapping) Same(other Mapping) bool {
	return m.Protocol == other.Protocol && m.ExternalPort == other.ExternalPort
}

// Device 网关设备接口
//
// 每种发现协议提供一个具体实现，负责各自的网络请求/响应逻辑。
// 所有网络操作接受 context，超时与取消由具体实现自行控制。
type Device interface {
	// Kind 返回设备的发现协议类型
	Kind() Kind

	// Name 返回设备名称
	Name() string

	// GatewayAddr 返回网关地址
	GatewayAddr() string

	// CreateMapping 在设备上创建端口映射，成功后登记到本进程的映射表
	CreateMapping(ctx context.Context, m Mapping) error

	// DeleteMapping 删除设备上的端口映射，仅在成功后从映射表移除
	DeleteMapping(ctx context.Context, m Mapping) error

	// GetAllMappings 实时查询设备上的全部映射（可能包含其他客户端创建的）
	GetAllMappings(ctx context.Context) ([]Mapping, error)

	// GetExternalAddress 实时查询设备的外部地址，不做缓存
	GetExternalAddress(ctx context.Context) (net.IP, error)

	// GetSpecificMapping 查询指定 (协议, 外部端口) 的映射，不存在视为错误
	GetSpecificMapping(ctx context.Context, proto Protocol, externalPort int) (Mapping, error)

	// RefreshPresence 记录设备被再次观测到的时间，不触网，永不失败
	RefreshPresence()

	// LastSeen 返回设备最近一次被观测到的时间
	LastSeen() time.Time

	// OwnedMappings 返回本进程在该设备上登记的映射快照
	OwnedMappings() []Mapping

	// ReleaseAll 尽力释放本进程在该设备上登记的全部映射
	//
	// 单条删除失败只记录日志，不中断也不上抛；结束后映射表无条件清空。
	ReleaseAll(ctx context.Context)
}
