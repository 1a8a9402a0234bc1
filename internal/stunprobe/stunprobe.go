package stunprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// 公共STUN服务器列表
var PublicSTUNServers = []string{
	"stun.miwifi.com:3478",
	"stun.chat.bilibili.com:3478",
	"stun.hitv.com:3478",
	"stun.cdnbye.com:3478",
}

// Prober 外部地址探测器
//
// 通过STUN服务器观测本机的公网地址，用于与设备上报的
// 外部地址做交叉核对。
type Prober struct {
	logger  *logrus.Logger
	servers []string
	timeout time.Duration
}

// NewProber 创建外部地址探测器
func NewProber(logger *logrus.Logger, servers []string, timeout time.Duration) *Prober {
	if len(servers) == 0 {
		servers = PublicSTUNServers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		logger:  logger,
		servers: servers,
		timeout: timeout,
	}
}

// ExternalAddress 查询本机的公网地址
//
// 依次尝试配置的STUN服务器，返回第一个成功的结果。
func (p *Prober) ExternalAddress(ctx context.Context) (net.IP, int, error) {
	var lastErr error

	for _, server := range p.servers {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}

		ip, port, err := p.query(ctx, server)
		if err != nil {
			lastErr = err
			p.logger.WithFields(logrus.Fields{
				"server": server,
				"error":  err,
			}).Warn("STUN服务器查询失败")
			continue
		}

		p.logger.WithFields(logrus.Fields{
			"server":        server,
			"external_ip":   ip.String(),
			"external_port": port,
		}).Debug("STUN服务器响应成功")
		return ip, port, nil
	}

	return nil, 0, fmt.Errorf("所有STUN服务器查询失败: %w", lastErr)
}

// query 查询单个STUN服务器
func (p *Prober) query(ctx context.Context, server string) (net.IP, int, error) {
	conn, err := net.Dial("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("连接STUN服务器失败: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return nil, 0, fmt.Errorf("发送STUN请求失败: %w", err)
	}

	buffer := make([]byte, 1024)
	readBytes, err := conn.Read(buffer)
	if err != nil {
		return nil, 0, fmt.Errorf("读取STUN响应失败: %w", err)
	}

	var response stun.Message
	if err := stun.Decode(buffer[:readBytes], &response); err != nil {
		return nil, 0, fmt.Errorf("解析STUN响应失败: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, 0, fmt.Errorf("提取映射地址失败: %w", err)
	}

	return xorAddr.IP, xorAddr.Port, nil
}
