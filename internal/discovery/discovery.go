package discovery

import (
	"context"
	"sync"
	"time"

	"auto-nat/internal/device"

	"github.com/koron/go-ssdp"
	"github.com/sirupsen/logrus"
)

// igdSearchTarget IGD 设备的 SSDP 搜索目标
const igdSearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

// Config 设备发现配置
type Config struct {
	// SearchInterval 主动 SSDP 搜索的间隔
	SearchInterval time.Duration

	// SearchWait SSDP 搜索的等待秒数 (MX)
	SearchWait int

	// EvictionTimeout 设备超过该时长未被观测到则淘汰
	EvictionTimeout time.Duration

	// EnableNATPMP 是否探测 NAT-PMP 网关
	EnableNATPMP bool

	// NATPMPTimeout NAT-PMP 操作超时
	NATPMPTimeout time.Duration

	// LeaseDuration 创建映射时的默认租期
	LeaseDuration time.Duration

	// ReleaseTimeout 淘汰设备时释放映射的超时
	ReleaseTimeout time.Duration
}

// Discoverer 网关设备发现器
//
// 通过 SSDP 搜索与被动监听维护设备列表：首次发现时构造设备，
// 再次观测到时刷新其在线时间，超时未观测到的设备先释放映射再淘汰。
type Discoverer struct {
	logger  *logrus.Logger
	config  *Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	monitor *ssdp.Monitor

	mu      sync.RWMutex
	devices map[string]device.Device
}

// NewDiscoverer 创建设备发现器
//
// 配置按值拷贝后补默认值，不改写调用方持有的配置。
func NewDiscoverer(config *Config, logger *logrus.Logger) *Discoverer {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := *config
	if cfg.SearchInterval <= 0 {
		cfg.SearchInterval = 30 * time.Second
	}
	if cfg.SearchWait <= 0 {
		cfg.SearchWait = 3
	}
	if cfg.EvictionTimeout <= 0 {
		cfg.EvictionTimeout = 3 * cfg.SearchInterval
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}

	return &Discoverer{
		logger:  logger,
		config:  &cfg,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]device.Device),
	}
}

// Start 启动设备发现
func (d *Discoverer) Start() error {
	d.logger.Info("启动网关设备发现")

	// 被动监听 SSDP 公告
	d.monitor = &ssdp.Monitor{
		Alive: d.onAlive,
		Bye:   d.onBye,
	}
	if err := d.monitor.Start(); err != nil {
		d.logger.WithError(err).Warn("SSDP监听启动失败，仅依赖主动搜索")
		d.monitor = nil
	}

	if d.config.EnableNATPMP {
		d.wg.Add(1)
		go d.probeNATPMP()
	}

	d.wg.Add(1)
	go d.searchLoop()

	d.wg.Add(1)
	go d.evictLoop()

	return nil
}

// Stop 停止设备发现并释放所有设备上的映射
func (d *Discoverer) Stop() {
	d.logger.Info("停止网关设备发现")

	d.cancel()
	if d.monitor != nil {
		d.monitor.Close()
	}
	d.wg.Wait()

	// 进程退出前对每个设备做尽力清理
	d.mu.Lock()
	devices := d.devices
	d.devices = make(map[string]device.Device)
	d.mu.Unlock()

	for _, dev := range devices {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.ReleaseTimeout)
		dev.ReleaseAll(ctx)
		cancel()
	}

	d.logger.Info("网关设备发现已停止")
}

// Devices 返回当前跟踪的设备快照
func (d *Discoverer) Devices() []device.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]device.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		result = append(result, dev)
	}
	return result
}

// DeviceByGateway 按网关地址查找设备
func (d *Discoverer) DeviceByGateway(gatewayAddr string) (device.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, dev := range d.devices {
		if dev.GatewayAddr() == gatewayAddr {
			return dev, true
		}
	}
	return nil, false
}

// searchLoop 周期性主动搜索 IGD 设备
func (d *Discoverer) searchLoop() {
	defer d.wg.Done()

	d.search()

	ticker := time.NewTicker(d.config.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.search()
		}
	}
}

func (d *Discoverer) search() {
	services, err := ssdp.Search(igdSearchTarget, d.config.SearchWait, "")
	if err != nil {
		d.logger.WithError(err).Warn("SSDP搜索失败")
		return
	}

	for _, service := range services {
		d.observe(service.USN, service.Location)
	}
}

// onAlive 处理 SSDP alive 公告
func (d *Discoverer) onAlive(m *ssdp.AliveMessage) {
	if m.Type != igdSearchTarget {
		return
	}
	d.observe(m.USN, m.Location)
}

// onBye 处理 SSDP byebye 公告，设备主动声明下线
func (d *Discoverer) onBye(m *ssdp.ByeMessage) {
	if m.Type != igdSearchTarget {
		return
	}

	d.mu.Lock()
	dev, exists := d.devices[m.USN]
	if exists {
		delete(d.devices, m.USN)
	}
	d.mu.Unlock()

	if !exists {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"usn":     m.USN,
		"gateway": dev.GatewayAddr(),
	}).Info("设备声明下线，释放其端口映射")

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ReleaseTimeout)
	dev.ReleaseAll(ctx)
	cancel()
}

// observe 记录一次设备观测：已知设备刷新在线时间，新设备构造并登记
func (d *Discoverer) observe(usn, location string) {
	d.mu.RLock()
	dev, exists := d.devices[usn]
	d.mu.RUnlock()

	if exists {
		dev.RefreshPresence()
		return
	}

	igdDev, err := device.NewIGDDeviceFromLocation(location, d.config.LeaseDuration, d.logger)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"usn":      usn,
			"location": location,
			"error":    err,
		}).Warn("构造IGD设备失败")
		return
	}

	d.addDevice(usn, igdDev)

	d.logger.WithFields(logrus.Fields{
		"usn":     usn,
		"device":  igdDev.Name(),
		"gateway": igdDev.GatewayAddr(),
	}).Info("发现新的IGD设备")
}

// addDevice 登记设备，并发构造时保留先到者
func (d *Discoverer) addDevice(key string, dev device.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.devices[key]; exists {
		return
	}
	d.devices[key] = dev
}

// probeNATPMP 探测默认网关的 NAT-PMP 支持，并周期性确认其在线
func (d *Discoverer) probeNATPMP() {
	defer d.wg.Done()

	dev, err := device.DiscoverPMPDevice(d.ctx, d.config.NATPMPTimeout, d.config.LeaseDuration, d.logger)
	if err != nil {
		d.logger.WithError(err).Info("未发现NAT-PMP网关")
		return
	}

	key := "nat-pmp:" + dev.GatewayAddr()
	d.addDevice(key, dev)

	// NAT-PMP 没有公告机制，用外部地址查询确认在线
	ticker := time.NewTicker(d.config.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.ctx, d.config.NATPMPTimeout)
			_, err := dev.GetExternalAddress(ctx)
			cancel()
			if err == nil {
				dev.RefreshPresence()
			}
		}
	}
}

// evictLoop 周期性淘汰长时间未被观测到的设备
func (d *Discoverer) evictLoop() {
	defer d.wg.Done()

	interval := d.config.EvictionTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.evictStale()
		}
	}
}

// evictStale 淘汰超时未观测到的设备，淘汰前先释放其映射
func (d *Discoverer) evictStale() {
	now := time.Now()

	d.mu.Lock()
	stale := make(map[string]device.Device)
	for key, dev := range d.devices {
		if now.Sub(dev.LastSeen()) > d.config.EvictionTimeout {
			stale[key] = dev
			delete(d.devices, key)
		}
	}
	d.mu.Unlock()

	for key, dev := range stale {
		d.logger.WithFields(logrus.Fields{
			"key":       key,
			"gateway":   dev.GatewayAddr(),
			"last_seen": dev.LastSeen().Format(time.RFC3339),
		}).Info("设备超时未响应，释放其端口映射后淘汰")

		ctx, cancel := context.WithTimeout(context.Background(), d.config.ReleaseTimeout)
		dev.ReleaseAll(ctx)
		cancel()
	}
}
