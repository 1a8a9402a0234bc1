package device

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DiscoverOptions 设备发现选项
type DiscoverOptions struct {
	// Timeout 单次发现操作的超时时间
	Timeout time.Duration

	// LeaseDuration 创建映射时的默认租期
	LeaseDuration time.Duration
}

// Discover 按发现协议探测网关设备
func Discover(ctx context.Context, kind Kind, opts DiscoverOptions, logger *logrus.Logger) ([]Device, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	switch kind {
	case KindIGD:
		igdDevices, err := DiscoverIGDDevices(ctx, opts.LeaseDuration, logger)
		if err != nil {
			return nil, err
		}
		devices := make([]Device, 0, len(igdDevices))
		for _, dev := range igdDevices {
			devices = append(devices, dev)
		}
		return devices, nil

	case KindNATPMP:
		dev, err := DiscoverPMPDevice(ctx, opts.Timeout, opts.LeaseDuration, logger)
		if err != nil {
			return nil, err
		}
		return []Device{dev}, nil

	default:
		return nil, fmt.Errorf("未知的发现协议: %s", kind)
	}
}
