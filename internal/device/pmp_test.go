package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus/hooks/test"
)

type pmpCall struct {
	protocol     string
	internalPort int
	externalPort int
	lifetime     int
}

// fakePMPClient 可脚本化的假NAT-PMP客户端
type fakePMPClient struct {
	mu          sync.Mutex
	mapErr      error
	mappedPort  uint16
	externalErr error
	externalIP  [4]byte
	calls       []pmpCall
}

func (f *fakePMPClient) AddPortMapping(protocol string, internalPort, requestedExternalPort, lifetime int) (*natpmp.AddPortMappingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, pmpCall{
		protocol:     protocol,
		internalPort: internalPort,
		externalPort: requestedExternalPort,
		lifetime:     lifetime,
	})
	if f.mapErr != nil {
		return nil, f.mapErr
	}

	mapped := f.mappedPort
	if mapped == 0 {
		mapped = uint16(requestedExternalPort)
	}
	return &natpmp.AddPortMappingResult{
		InternalPort:                 uint16(internalPort),
		MappedExternalPort:           mapped,
		PortMappingLifetimeInSeconds: uint32(lifetime),
	}, nil
}

func (f *fakePMPClient) GetExternalAddress() (*natpmp.GetExternalAddressResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.externalErr != nil {
		return nil, f.externalErr
	}
	return &natpmp.GetExternalAddressResult{ExternalIPAddress: f.externalIP}, nil
}

func newTestPMPDevice(client *fakePMPClient) *PMPDevice {
	logger, _ := test.NewNullLogger()
	return NewPMPDevice(client, "192.168.1.1", time.Hour, logger)
}

func TestPMPDevice_CreateMapping(t *testing.T) {
	t.Run("创建成功后登记映射", func(t *testing.T) {
		client := &fakePMPClient{}
		dev := newTestPMPDevice(client)

		m := Mapping{
			Protocol:     ProtocolUDP,
			ExternalPort: 5353,
			InternalIP:   net.ParseIP("192.168.1.100"),
			InternalPort: 5353,
			Description:  "dns",
		}
		if err := dev.CreateMapping(context.Background(), m); err != nil {
			t.Fatalf("创建映射失败: %v", err)
		}

		if len(client.calls) != 1 {
			t.Fatalf("期望1次网络调用，实际为: %d", len(client.calls))
		}
		// NAT-PMP 协议名是小写
		if client.calls[0].protocol != "udp" {
			t.Errorf("协议字段错误: %s", client.calls[0].protocol)
		}

		owned := dev.OwnedMappings()
		if len(owned) != 1 || owned[0].ExternalPort != 5353 {
			t.Errorf("映射登记错误: %+v", owned)
		}
	})

	t.Run("网关改派端口时登记实际端口", func(t *testing.T) {
		client := &fakePMPClient{mappedPort: 15353}
		dev := newTestPMPDevice(client)

		m := Mapping{Protocol: ProtocolUDP, ExternalPort: 5353, InternalPort: 5353,
			InternalIP: net.ParseIP("192.168.1.100")}
		if err := dev.CreateMapping(context.Background(), m); err != nil {
			t.Fatalf("创建映射失败: %v", err)
		}

		owned := dev.OwnedMappings()
		if len(owned) != 1 || owned[0].ExternalPort != 15353 {
			t.Errorf("应登记网关实际分配的端口: %+v", owned)
		}
	})

	t.Run("创建失败不登记映射", func(t *testing.T) {
		client := &fakePMPClient{mapErr: errors.New("NAT-PMP网关拒绝")}
		dev := newTestPMPDevice(client)

		m := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080, InternalPort: 8080,
			InternalIP: net.ParseIP("192.168.1.100")}
		if err := dev.CreateMapping(context.Background(), m); err == nil {
			t.Fatal("期望创建失败，但成功了")
		}
		if len(dev.OwnedMappings()) != 0 {
			t.Error("创建失败后映射表应为空")
		}
	})
}

func TestPMPDevice_DeleteMapping(t *testing.T) {
	client := &fakePMPClient{}
	dev := newTestPMPDevice(client)

	m := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080, InternalPort: 8080,
		InternalIP: net.ParseIP("192.168.1.100")}
	dev.CreateMapping(context.Background(), m)

	if err := dev.DeleteMapping(context.Background(), m); err != nil {
		t.Fatalf("删除映射失败: %v", err)
	}

	// RFC 6886: 删除以 lifetime=0、外部端口=0 的映射请求表示
	last := client.calls[len(client.calls)-1]
	if last.lifetime != 0 || last.externalPort != 0 {
		t.Errorf("删除请求字段错误: %+v", last)
	}
	if last.internalPort != 8080 {
		t.Errorf("删除请求内部端口错误: %d", last.internalPort)
	}

	if len(dev.OwnedMappings()) != 0 {
		t.Error("删除成功后映射表应为空")
	}

	t.Run("按身份删除时从登记表补全内部端口", func(t *testing.T) {
		client := &fakePMPClient{}
		dev := newTestPMPDevice(client)
		dev.CreateMapping(context.Background(), m)

		// 只携带 (协议, 外部端口) 身份，内部端口留空
		if err := dev.DeleteMapping(context.Background(), Mapping{
			Protocol: ProtocolTCP, ExternalPort: 8080,
		}); err != nil {
			t.Fatalf("按身份删除失败: %v", err)
		}

		last := client.calls[len(client.calls)-1]
		if last.internalPort != 8080 {
			t.Errorf("删除请求应携带登记的内部端口，实际为: %d", last.internalPort)
		}
		if last.lifetime != 0 || last.externalPort != 0 {
			t.Errorf("删除请求字段错误: %+v", last)
		}
		if len(dev.OwnedMappings()) != 0 {
			t.Error("删除成功后映射表应为空")
		}
	})

	t.Run("内部端口无法补全时拒绝删除", func(t *testing.T) {
		client := &fakePMPClient{}
		dev := newTestPMPDevice(client)

		// 内部端口为0的网络请求会删除本机在该协议下的全部映射
		err := dev.DeleteMapping(context.Background(), Mapping{
			Protocol: ProtocolTCP, ExternalPort: 9999,
		})
		if !errors.Is(err, ErrMappingNotFound) {
			t.Fatalf("期望ErrMappingNotFound，实际为: %v", err)
		}
		if len(client.calls) != 0 {
			t.Error("无法确定内部端口时不应触网")
		}
	})

	t.Run("删除失败保留登记", func(t *testing.T) {
		client := &fakePMPClient{}
		dev := newTestPMPDevice(client)
		dev.CreateMapping(context.Background(), m)

		client.mu.Lock()
		client.mapErr = errors.New("网关不可达")
		client.mu.Unlock()

		if err := dev.DeleteMapping(context.Background(), m); err == nil {
			t.Fatal("期望删除失败，但成功了")
		}
		if len(dev.OwnedMappings()) != 1 {
			t.Error("删除失败后映射仍应保留")
		}
	})
}

func TestPMPDevice_UnsupportedQueries(t *testing.T) {
	dev := newTestPMPDevice(&fakePMPClient{})

	if _, err := dev.GetAllMappings(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("枚举映射应返回ErrNotSupported，实际为: %v", err)
	}
	if _, err := dev.GetSpecificMapping(context.Background(), ProtocolTCP, 8080); !errors.Is(err, ErrNotSupported) {
		t.Errorf("查询指定映射应返回ErrNotSupported，实际为: %v", err)
	}
}

func TestPMPDevice_GetExternalAddress(t *testing.T) {
	client := &fakePMPClient{externalIP: [4]byte{203, 0, 113, 20}}
	dev := newTestPMPDevice(client)

	ip, err := dev.GetExternalAddress(context.Background())
	if err != nil {
		t.Fatalf("查询外部地址失败: %v", err)
	}
	if ip.String() != "203.0.113.20" {
		t.Errorf("外部地址错误: %s", ip)
	}
}

func TestPMPDevice_ReleaseAll(t *testing.T) {
	client := &fakePMPClient{}
	dev := newTestPMPDevice(client)

	for i := 0; i < 3; i++ {
		m := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080 + i, InternalPort: 8080 + i,
			InternalIP: net.ParseIP("192.168.1.100")}
		dev.CreateMapping(context.Background(), m)
	}

	client.mu.Lock()
	client.mapErr = errors.New("网关不可达")
	client.mu.Unlock()

	dev.ReleaseAll(context.Background())

	if len(dev.OwnedMappings()) != 0 {
		t.Error("ReleaseAll后映射表必须为空")
	}
	// 3次创建 + 3次删除尝试
	if len(client.calls) != 6 {
		t.Errorf("期望6次网络调用，实际为: %d", len(client.calls))
	}
}
