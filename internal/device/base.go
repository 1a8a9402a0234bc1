package device

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// baseDevice 设备公共状态
//
// 持有设备的最近观测时间与本进程登记的映射表。
// 映射表仅允许具体实现通过 create/delete 操作修改。
type baseDevice struct {
	logger      *logrus.Logger
	name        string
	gatewayAddr string

	mu       sync.Mutex
	lastSeen time.Time
	owned    []Mapping
}

func newBaseDevice(name, gatewayAddr string, logger *logrus.Logger) *baseDevice {
	if logger == nil {
		logger = logrus.New()
	}
	return &baseDevice{
		logger:      logger,
		name:        name,
		gatewayAddr: gatewayAddr,
		lastSeen:    time.Now(),
	}
}

// Name 返回设备名称
func (b *baseDevice) Name() string {
	return b.name
}

// GatewayAddr 返回网关地址
func (b *baseDevice) GatewayAddr() string {
	return b.gatewayAddr
}

// RefreshPresence 记录设备被再次观测到的时间
func (b *baseDevice) RefreshPresence() {
	b.mu.Lock()
	b.lastSeen = time.Now()
	b.mu.Unlock()
}

// LastSeen 返回设备最近一次被观测到的时间
func (b *baseDevice) LastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// OwnedMappings 返回登记映射的快照，保持登记顺序
func (b *baseDevice) OwnedMappings() []Mapping {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]Mapping, len(b.owned))
	copy(result, b.owned)
	return result
}

// registerMapping 登记一条创建成功的映射
func (b *baseDevice) registerMapping(m Mapping) {
	b.mu.Lock()
	b.owned = append(b.owned, m)
	b.mu.Unlock()
}

// findMapping 按 (协议, 外部端口) 身份查找登记映射
func (b *baseDevice) findMapping(m Mapping) (Mapping, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, owned := range b.owned {
		if owned.Same(m) {
			return owned, true
		}
	}
	return Mapping{}, false
}

// unregisterMapping 移除一条删除成功的映射，未登记时为空操作
func (b *baseDevice) unregisterMapping(m Mapping) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, owned := range b.owned {
		if owned.Same(m) {
			b.owned = append(b.owned[:i], b.owned[i+1:]...)
			return
		}
	}
}

// releaseAll 尽力释放全部登记映射
//
// 进入时对映射表取快照，逐条调用 del；单条失败只记录日志，
// 剩余映射仍然逐一尝试。循环结束后无条件清空映射表，
// 无论多少条删除失败。删除失败的映射可能仍在设备侧存在，
// 这里只承诺尽力清理。
func (b *baseDevice) releaseAll(ctx context.Context, del func(context.Context, Mapping) error) {
	snapshot := b.OwnedMappings()

	b.logger.WithFields(logrus.Fields{
		"device":  b.name,
		"gateway": b.gatewayAddr,
		"count":   len(snapshot),
	}).Info("开始释放设备上的全部端口映射")

	for _, m := range snapshot {
		if err := del(ctx, m); err != nil {
			b.logger.WithFields(logrus.Fields{
				"device":        b.name,
				"gateway":       b.gatewayAddr,
				"protocol":      m.Protocol,
				"external_port": m.ExternalPort,
				"error":         err,
			}).Error("释放端口映射失败")
			continue
		}

		b.logger.WithFields(logrus.Fields{
			"device":        b.name,
			"protocol":      m.Protocol,
			"external_port": m.ExternalPort,
		}).Info("端口映射已释放")
	}

	b.mu.Lock()
	b.owned = nil
	b.mu.Unlock()

	b.logger.WithField("device", b.name).Info("设备映射登记已清空")
}

// callWithContext 执行阻塞的网络调用并响应 context 取消
func callWithContext(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
