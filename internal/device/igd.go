package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/soap"
	"github.com/sirupsen/logrus"
)

// IGDClient UPnP IGD 客户端接口
//
// goupnp 的 WANIPConnection1 与 WANPPPConnection1 客户端均实现了这些方法，
// 测试中可以注入假客户端。
type IGDClient interface {
	AddPortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error

	DeletePortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) error

	GetExternalIPAddress() (string, error)

	GetGenericPortMappingEntry(NewPortMappingIndex uint16) (
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
		err error,
	)

	GetSpecificPortMappingEntry(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) (
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
		err error,
	)
}

// IGDDevice 基于 UPnP IGD 的网关设备
type IGDDevice struct {
	*baseDevice
	client       IGDClient
	leaseSeconds uint32
}

var _ Device = (*IGDDevice)(nil)

// NewIGDDevice 创建 UPnP IGD 设备
func NewIGDDevice(client IGDClient, name, gatewayAddr string, leaseDuration time.Duration, logger *logrus.Logger) *IGDDevice {
	return &IGDDevice{
		baseDevice:   newBaseDevice(name, gatewayAddr, logger),
		client:       client,
		leaseSeconds: uint32(leaseDuration.Seconds()),
	}
}

// DiscoverIGDDevices 发现局域网内的 UPnP IGD 设备
func DiscoverIGDDevices(ctx context.Context, leaseDuration time.Duration, logger *logrus.Logger) ([]*IGDDevice, error) {
	type result struct {
		devices []*IGDDevice
		err     error
	}

	resultCh := make(chan result, 1)
	go func() {
		devices, err := discoverIGDDevices(leaseDuration, logger)
		resultCh <- result{devices: devices, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.devices, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("UPnP设备发现超时: %w", ctx.Err())
	}
}

func discoverIGDDevices(leaseDuration time.Duration, logger *logrus.Logger) ([]*IGDDevice, error) {
	var devices []*IGDDevice

	// 优先 WANIPConnection，其次 WANPPPConnection
	ipClients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err == nil {
		for _, client := range ipClients {
			devices = append(devices, NewIGDDevice(
				client,
				client.RootDevice.Device.FriendlyName,
				client.Location.Host,
				leaseDuration,
				logger,
			))
		}
	}

	pppClients, _, err := internetgateway2.NewWANPPPConnection1Clients()
	if err == nil {
		for _, client := range pppClients {
			devices = append(devices, NewIGDDevice(
				client,
				client.RootDevice.Device.FriendlyName,
				client.Location.Host,
				leaseDuration,
				logger,
			))
		}
	}

	if len(devices) == 0 {
		return nil, ErrNoGateway
	}
	return devices, nil
}

// NewIGDDeviceFromLocation 根据 SSDP 公告的描述地址创建 IGD 设备
func NewIGDDeviceFromLocation(location string, leaseDuration time.Duration, logger *logrus.Logger) (*IGDDevice, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("解析设备描述地址失败: %w", err)
	}

	ipClients, err := internetgateway2.NewWANIPConnection1ClientsByURL(loc)
	if err == nil && len(ipClients) > 0 {
		client := ipClients[0]
		return NewIGDDevice(client, client.RootDevice.Device.FriendlyName, loc.Host, leaseDuration, logger), nil
	}

	pppClients, err := internetgateway2.NewWANPPPConnection1ClientsByURL(loc)
	if err == nil && len(pppClients) > 0 {
		client := pppClients[0]
		return NewIGDDevice(client, client.RootDevice.Device.FriendlyName, loc.Host, leaseDuration, logger), nil
	}

	return nil, fmt.Errorf("设备 %s 未提供可用的WAN连接服务: %w", location, ErrNoGateway)
}

// Kind 返回设备的发现协议类型
func (d *IGDDevice) Kind() Kind {
	return KindIGD
}

// CreateMapping 通过 AddPortMapping 动作创建端口映射
func (d *IGDDevice) CreateMapping(ctx context.Context, m Mapping) error {
	if !m.Protocol.Valid() {
		return newMappingError("创建映射", d.gatewayAddr, &m, ErrInvalidProtocol)
	}

	lease := m.LeaseSeconds
	if lease == 0 {
		lease = d.leaseSeconds
	}

	err := callWithContext(ctx, func() error {
		return d.client.AddPortMapping(
			"",
			uint16(m.ExternalPort),
			string(m.Protocol),
			uint16(m.InternalPort),
			m.InternalIP.String(),
			true,
			m.Description,
			lease,
		)
	})
	if err != nil {
		return newMappingError("创建映射", d.gatewayAddr, &m, err)
	}

	m.LeaseSeconds = lease
	m.CreatedAt = time.Now()
	d.registerMapping(m)

	d.logger.WithFields(logrus.Fields{
		"device":        d.name,
		"protocol":      m.Protocol,
		"external_port": m.ExternalPort,
		"internal_port": m.InternalPort,
	}).Info("UPnP端口映射创建成功")

	return nil
}

// DeleteMapping 通过 DeletePortMapping 动作删除端口映射
//
// 删除未登记的映射不视为错误，网络删除仍然发出。
func (d *IGDDevice) DeleteMapping(ctx context.Context, m Mapping) error {
	err := callWithContext(ctx, func() error {
		return d.client.DeletePortMapping("", uint16(m.ExternalPort), string(m.Protocol))
	})
	if err != nil {
		return newMappingError("删除映射", d.gatewayAddr, &m, err)
	}

	d.unregisterMapping(m)

	d.logger.WithFields(logrus.Fields{
		"device":        d.name,
		"protocol":      m.Protocol,
		"external_port": m.ExternalPort,
	}).Info("UPnP端口映射删除成功")

	return nil
}

// GetAllMappings 遍历 GetGenericPortMappingEntry 获取设备上的全部映射
//
// 结果是一次性的快照，可能包含其他客户端创建的映射。
// 路由器在索引越界时返回 SOAP fault (713 SpecifiedArrayIndexInvalid)，
// 以此作为遍历结束的标志；传输层错误原样上报，不视为列表结束。
func (d *IGDDevice) GetAllMappings(ctx context.Context) ([]Mapping, error) {
	mappings := make([]Mapping, 0)

	for index := uint16(0); ; index++ {
		var (
			externalPort uint16
			proto        string
			internalPort uint16
			internalIP   string
			description  string
			lease        uint32
		)

		err := callWithContext(ctx, func() error {
			var callErr error
			_, externalPort, proto, internalPort, internalIP, _, description, lease, callErr =
				d.client.GetGenericPortMappingEntry(index)
			return callErr
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, newMappingError("枚举映射", d.gatewayAddr, nil, ctxErr)
			}
			var soapFault *soap.SOAPFaultError
			if errors.As(err, &soapFault) {
				break
			}
			return nil, newMappingError("枚举映射", d.gatewayAddr, nil, err)
		}

		mappings = append(mappings, Mapping{
			Protocol:     Protocol(proto),
			ExternalPort: int(externalPort),
			InternalIP:   net.ParseIP(internalIP),
			InternalPort: int(internalPort),
			Description:  description,
			LeaseSeconds: lease,
		})
	}

	return mappings, nil
}

// GetExternalAddress 查询设备的外部IP地址
func (d *IGDDevice) GetExternalAddress(ctx context.Context) (net.IP, error) {
	var raw string
	err := callWithContext(ctx, func() error {
		var callErr error
		raw, callErr = d.client.GetExternalIPAddress()
		return callErr
	})
	if err != nil {
		return nil, newMappingError("查询外部地址", d.gatewayAddr, nil, err)
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, newMappingError("查询外部地址", d.gatewayAddr, nil,
			fmt.Errorf("设备返回无效地址: %q", raw))
	}
	return ip, nil
}

// GetSpecificMapping 查询指定 (协议, 外部端口) 的映射
func (d *IGDDevice) GetSpecificMapping(ctx context.Context, proto Protocol, externalPort int) (Mapping, error) {
	if !proto.Valid() {
		return Mapping{}, newMappingError("查询映射", d.gatewayAddr, nil, ErrInvalidProtocol)
	}

	var (
		internalPort uint16
		internalIP   string
		description  string
		lease        uint32
	)

	err := callWithContext(ctx, func() error {
		var callErr error
		internalPort, internalIP, _, description, lease, callErr =
			d.client.GetSpecificPortMappingEntry("", uint16(externalPort), string(proto))
		return callErr
	})
	if err != nil {
		m := Mapping{Protocol: proto, ExternalPort: externalPort}
		return Mapping{}, newMappingError("查询映射", d.gatewayAddr, &m,
			fmt.Errorf("%w: %v", ErrMappingNotFound, err))
	}

	return Mapping{
		Protocol:     proto,
		ExternalPort: externalPort,
		InternalIP:   net.ParseIP(internalIP),
		InternalPort: int(internalPort),
		Description:  description,
		LeaseSeconds: lease,
	}, nil
}

// ReleaseAll 尽力释放本进程在该设备上登记的全部映射
func (d *IGDDevice) ReleaseAll(ctx context.Context) {
	d.releaseAll(ctx, d.DeleteMapping)
}
