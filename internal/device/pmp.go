package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// pmpClient NAT-PMP 客户端接口
//
// *natpmp.Client 实现了这些方法，测试中可以注入假客户端。
type pmpClient interface {
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
}

// PMPDevice 基于 NAT-PMP 协议的网关设备
//
// NAT-PMP 是简单的二进制请求/响应协议，不支持枚举
// 或查询指定映射，对应操作返回 ErrNotSupported。
type PMPDevice struct {
	*baseDevice
	client          pmpClient
	lifetimeSeconds int
}

var _ Device = (*PMPDevice)(nil)

// NewPMPDevice 创建 NAT-PMP 设备
func NewPMPDevice(client pmpClient, gatewayAddr string, lifetime time.Duration, logger *logrus.Logger) *PMPDevice {
	return &PMPDevice{
		baseDevice:      newBaseDevice("NAT-PMP网关", gatewayAddr, logger),
		client:          client,
		lifetimeSeconds: int(lifetime.Seconds()),
	}
}

// DefaultPMPTimeout 默认 NAT-PMP 操作超时
const DefaultPMPTimeout = 5 * time.Second

// DiscoverPMPDevice 在默认网关上探测 NAT-PMP 设备
func DiscoverPMPDevice(ctx context.Context, timeout, lifetime time.Duration, logger *logrus.Logger) (*PMPDevice, error) {
	if timeout <= 0 {
		timeout = DefaultPMPTimeout
	}

	// 发现默认网关
	gatewayCh := make(chan net.IP, 1)
	errCh := make(chan error, 1)
	go func() {
		ip, err := gateway.DiscoverGateway()
		if err != nil {
			errCh <- err
			return
		}
		gatewayCh <- ip
	}()

	var gatewayIP net.IP
	select {
	case gatewayIP = <-gatewayCh:
	case err := <-errCh:
		return nil, fmt.Errorf("发现默认网关失败: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("发现默认网关超时: %w", ctx.Err())
	}

	client := natpmp.NewClientWithTimeout(gatewayIP, timeout)
	dev := NewPMPDevice(client, gatewayIP.String(), lifetime, logger)

	// 用一次外部地址查询确认网关支持 NAT-PMP
	if _, err := dev.GetExternalAddress(ctx); err != nil {
		return nil, fmt.Errorf("网关 %s 不支持NAT-PMP: %w", gatewayIP, err)
	}

	logger.WithField("gateway", gatewayIP.String()).Info("发现NAT-PMP网关")
	return dev, nil
}

// Kind 返回设备的发现协议类型
func (d *PMPDevice) Kind() Kind {
	return KindNATPMP
}

// CreateMapping 创建端口映射
//
// 网关可能分配与请求不同的外部端口，登记的是实际分配的端口。
func (d *PMPDevice) CreateMapping(ctx context.Context, m Mapping) error {
	if !m.Protocol.Valid() {
		return newMappingError("创建映射", d.gatewayAddr, &m, ErrInvalidProtocol)
	}

	lifetime := d.lifetimeSeconds
	if m.LeaseSeconds > 0 {
		lifetime = int(m.LeaseSeconds)
	}

	var result *natpmp.AddPortMappingResult
	err := callWithContext(ctx, func() error {
		var callErr error
		result, callErr = d.client.AddPortMapping(
			strings.ToLower(string(m.Protocol)), m.InternalPort, m.ExternalPort, lifetime)
		return callErr
	})
	if err != nil {
		return newMappingError("创建映射", d.gatewayAddr, &m, err)
	}

	if int(result.MappedExternalPort) != m.ExternalPort {
		d.logger.WithFields(logrus.Fields{
			"gateway":        d.gatewayAddr,
			"requested_port": m.ExternalPort,
			"mapped_port":    result.MappedExternalPort,
		}).Warn("网关分配了不同的外部端口")
		m.ExternalPort = int(result.MappedExternalPort)
	}

	m.LeaseSeconds = result.PortMappingLifetimeInSeconds
	m.CreatedAt = time.Now()
	d.registerMapping(m)

	d.logger.WithFields(logrus.Fields{
		"gateway":       d.gatewayAddr,
		"protocol":      m.Protocol,
		"external_port": m.ExternalPort,
		"internal_port": m.InternalPort,
	}).Info("NAT-PMP端口映射创建成功")

	return nil
}

// DeleteMapping 删除端口映射
//
// NAT-PMP 以 lifetime=0 的映射请求表示删除 (RFC 6886)，请求以
// 内部端口定位映射。内部端口为0的删除请求在协议上意味着删除
// 本机在该协议下的全部映射，因此仅携带 (协议, 外部端口) 身份的
// 请求先从登记表补全内部端口，补全不到则拒绝。
func (d *PMPDevice) DeleteMapping(ctx context.Context, m Mapping) error {
	internalPort := m.InternalPort
	if internalPort == 0 {
		owned, ok := d.findMapping(m)
		if !ok {
			return newMappingError("删除映射", d.gatewayAddr, &m,
				fmt.Errorf("%w: 无法确定映射的内部端口", ErrMappingNotFound))
		}
		internalPort = owned.InternalPort
	}

	err := callWithContext(ctx, func() error {
		_, callErr := d.client.AddPortMapping(
			strings.ToLower(string(m.Protocol)), internalPort, 0, 0)
		return callErr
	})
	if err != nil {
		return newMappingError("删除映射", d.gatewayAddr, &m, err)
	}

	d.unregisterMapping(m)

	d.logger.WithFields(logrus.Fields{
		"gateway":       d.gatewayAddr,
		"protocol":      m.Protocol,
		"external_port": m.ExternalPort,
	}).Info("NAT-PMP端口映射删除成功")

	return nil
}

// GetAllMappings NAT-PMP 不支持枚举映射
func (d *PMPDevice) GetAllMappings(ctx context.Context) ([]Mapping, error) {
	return nil, newMappingError("枚举映射", d.gatewayAddr, nil, ErrNotSupported)
}

// GetSpecificMapping NAT-PMP 不支持查询指定映射
func (d *PMPDevice) GetSpecificMapping(ctx context.Context, proto Protocol, externalPort int) (Mapping, error) {
	m := Mapping{Protocol: proto, ExternalPort: externalPort}
	return Mapping{}, newMappingError("查询映射", d.gatewayAddr, &m, ErrNotSupported)
}

// GetExternalAddress 查询网关的外部IP地址
func (d *PMPDevice) GetExternalAddress(ctx context.Context) (net.IP, error) {
	var result *natpmp.GetExternalAddressResult
	err := callWithContext(ctx, func() error {
		var callErr error
		result, callErr = d.client.GetExternalAddress()
		return callErr
	})
	if err != nil {
		return nil, newMappingError("查询外部地址", d.gatewayAddr, nil, err)
	}

	addr := result.ExternalIPAddress
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), nil
}

// ReleaseAll 尽力释放本进程在该设备上登记的全部映射
func (d *PMPDevice) ReleaseAll(ctx context.Context) {
	d.releaseAll(ctx, d.DeleteMapping)
}
