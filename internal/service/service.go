package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto-nat/config"
	"auto-nat/internal/device"
	"auto-nat/internal/discovery"
	"auto-nat/internal/stunprobe"

	"github.com/sirupsen/logrus"
)

// gatewayDiscoverer Manager 依赖的设备发现能力
type gatewayDiscoverer interface {
	Start() error
	Stop()
	Devices() []device.Device
	DeviceByGateway(gatewayAddr string) (device.Device, bool)
}

// Manager 网关设备管理服务
//
// 负责设备发现、端口映射的创建与删除、外部地址核对，
// 以及进程退出时对所有设备的尽力清理。
type Manager struct {
	config     *config.Config
	logger     *logrus.Logger
	discoverer gatewayDiscoverer
	prober     *stunprobe.Prober
	startedAt  time.Time
	mu         sync.RWMutex
	started    bool
}

// NewManager 创建网关设备管理服务
func NewManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	m := &Manager{
		config: cfg,
		logger: logger,
	}

	if cfg.STUN.Enabled {
		m.prober = stunprobe.NewProber(logger, cfg.STUN.Servers, cfg.STUN.Timeout)
	}

	return m
}

// Start 启动管理服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("管理服务已在运行")
	}

	m.logger.Info("启动网关设备管理服务")

	m.discoverer = discovery.NewDiscoverer(&discovery.Config{
		SearchInterval:  m.config.Discovery.SearchInterval,
		SearchWait:      m.config.Discovery.SearchWait,
		EvictionTimeout: m.config.Discovery.EvictionTimeout,
		ReleaseTimeout:  m.config.Discovery.ReleaseTimeout,
		EnableNATPMP:    m.config.NATPMP.Enabled,
		NATPMPTimeout:   m.config.NATPMP.Timeout,
		LeaseDuration:   m.config.IGD.MappingDuration,
	}, m.logger)

	if err := m.discoverer.Start(); err != nil {
		return fmt.Errorf("启动设备发现失败: %w", err)
	}

	m.started = true
	m.startedAt = time.Now()

	m.logger.Info("网关设备管理服务启动完成")
	return nil
}

// Stop 停止管理服务
//
// 设备发现器停止时会对每个跟踪中的设备调用 ReleaseAll，
// 可能耗时较长，在锁外执行以免阻塞状态查询。
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	disc := m.discoverer
	m.mu.Unlock()

	m.logger.Info("停止网关设备管理服务")
	disc.Stop()
	m.logger.Info("网关设备管理服务已停止")
}

// Devices 返回当前跟踪的设备快照
func (m *Manager) Devices() []device.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.discoverer == nil {
		return nil
	}
	return m.discoverer.Devices()
}

// pickDevice 选择目标设备：指定网关地址时精确匹配，否则取首个设备
func (m *Manager) pickDevice(gatewayAddr string) (device.Device, error) {
	m.mu.RLock()
	disc := m.discoverer
	m.mu.RUnlock()

	if disc == nil {
		return nil, device.ErrNoGateway
	}

	if gatewayAddr != "" {
		dev, ok := disc.DeviceByGateway(gatewayAddr)
		if !ok {
			return nil, fmt.Errorf("未跟踪网关 %s: %w", gatewayAddr, device.ErrNoGateway)
		}
		return dev, nil
	}

	devices := disc.Devices()
	if len(devices) == 0 {
		return nil, device.ErrNoGateway
	}
	return devices[0], nil
}

// CreateMapping 在指定网关上创建端口映射
func (m *Manager) CreateMapping(ctx context.Context, gatewayAddr string, mapping device.Mapping) error {
	dev, err := m.pickDevice(gatewayAddr)
	if err != nil {
		return err
	}
	return dev.CreateMapping(ctx, mapping)
}

// DeleteMapping 删除指定网关上的端口映射
func (m *Manager) DeleteMapping(ctx context.Context, gatewayAddr string, mapping device.Mapping) error {
	dev, err := m.pickDevice(gatewayAddr)
	if err != nil {
		return err
	}
	return dev.DeleteMapping(ctx, mapping)
}

// AllMappings 实时查询各设备上的全部映射
//
// 不支持枚举的设备（如 NAT-PMP）会被跳过并记录日志。
func (m *Manager) AllMappings(ctx context.Context) map[string][]device.Mapping {
	result := make(map[string][]device.Mapping)

	for _, dev := range m.Devices() {
		mappings, err := dev.GetAllMappings(ctx)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"device":  dev.Name(),
				"gateway": dev.GatewayAddr(),
				"error":   err,
			}).Debug("查询设备映射失败")
			continue
		}
		result[dev.GatewayAddr()] = mappings
	}

	return result
}

// CheckExternalAddress 核对设备上报的外部地址与STUN观测结果
func (m *Manager) CheckExternalAddress(ctx context.Context) map[string]interface{} {
	result := make(map[string]interface{})

	for _, dev := range m.Devices() {
		ip, err := dev.GetExternalAddress(ctx)
		if err != nil {
			result[dev.GatewayAddr()] = map[string]interface{}{"error": err.Error()}
			continue
		}
		result[dev.GatewayAddr()] = map[string]interface{}{"external_ip": ip.String()}
	}

	if m.prober != nil {
		ip, port, err := m.prober.ExternalAddress(ctx)
		if err != nil {
			result["stun"] = map[string]interface{}{"error": err.Error()}
		} else {
			result["stun"] = map[string]interface{}{
				"external_ip":   ip.String(),
				"external_port": port,
			}
		}
	}

	return result
}

// GetStatus 获取服务状态
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	started := m.started
	startedAt := m.startedAt
	m.mu.RUnlock()

	uptime := time.Duration(0)
	if started {
		uptime = time.Since(startedAt)
	}

	devices := m.Devices()
	deviceStatus := make([]map[string]interface{}, 0, len(devices))
	totalOwned := 0

	for _, dev := range devices {
		owned := dev.OwnedMappings()
		totalOwned += len(owned)
		deviceStatus = append(deviceStatus, map[string]interface{}{
			"name":           dev.Name(),
			"kind":           string(dev.Kind()),
			"gateway":        dev.GatewayAddr(),
			"last_seen":      dev.LastSeen().Format(time.RFC3339),
			"owned_mappings": len(owned),
		})
	}

	return map[string]interface{}{
		"running":        started,
		"uptime":         uptime.String(),
		"device_count":   len(devices),
		"total_mappings": totalOwned,
		"devices":        deviceStatus,
	}
}
