package stunprobe

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestNewProber_Defaults(t *testing.T) {
	logger, _ := test.NewNullLogger()

	p := NewProber(logger, nil, 0)
	if len(p.servers) != len(PublicSTUNServers) {
		t.Error("未配置服务器时应使用公共列表")
	}
	if p.timeout <= 0 {
		t.Error("应设置默认超时")
	}

	custom := NewProber(logger, []string{"stun.example.com:3478"}, time.Second)
	if len(custom.servers) != 1 || custom.servers[0] != "stun.example.com:3478" {
		t.Errorf("自定义服务器列表未生效: %v", custom.servers)
	}
}

func TestProber_UnreachableServer(t *testing.T) {
	logger, _ := test.NewNullLogger()

	// 本地闭合端口上没有STUN服务，读取必然超时
	p := NewProber(logger, []string{"127.0.0.1:1"}, 200*time.Millisecond)

	if _, _, err := p.ExternalAddress(context.Background()); err == nil {
		t.Fatal("期望查询失败，但成功了")
	}
}

func TestProber_ContextCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewProber(logger, []string{"127.0.0.1:1"}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := p.ExternalAddress(ctx); err == nil {
		t.Fatal("取消的上下文应返回错误")
	}
}
