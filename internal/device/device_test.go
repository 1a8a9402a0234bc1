package device

import (
	"errors"
	"net"
	"testing"
)

func TestProtocol_Valid(t *testing.T) {
	if !ProtocolTCP.Valid() || !ProtocolUDP.Valid() {
		t.Error("TCP/UDP应为合法协议")
	}
	if Protocol("ICMP").Valid() || Protocol("tcp").Valid() {
		t.Error("其他协议值不合法")
	}
}

func TestMapping_Identity(t *testing.T) {
	a := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080, InternalPort: 80,
		InternalIP: net.ParseIP("192.168.1.100"), Description: "a"}
	b := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080, InternalPort: 9090,
		InternalIP: net.ParseIP("192.168.1.200"), Description: "b"}
	c := Mapping{Protocol: ProtocolUDP, ExternalPort: 8080}

	// 映射身份只由 (协议, 外部端口) 决定
	if !a.Same(b) {
		t.Error("内部字段不同不影响映射身份")
	}
	if a.Same(c) {
		t.Error("协议不同的映射身份不同")
	}
	if a.Key() != "TCP:8080" {
		t.Errorf("映射键错误: %s", a.Key())
	}
}

func TestMappingError(t *testing.T) {
	cause := errors.New("设备不可达")
	m := Mapping{Protocol: ProtocolTCP, ExternalPort: 8080}
	err := newMappingError("创建映射", "192.168.1.1:1900", &m, cause)

	if !errors.Is(err, cause) {
		t.Error("MappingError应能解包出底层错误")
	}

	var mappingErr *MappingError
	if !errors.As(err, &mappingErr) {
		t.Fatal("应能断言为MappingError")
	}
	if mappingErr.Device != "192.168.1.1:1900" || mappingErr.Op != "创建映射" {
		t.Errorf("错误上下文缺失: %+v", mappingErr)
	}

	// 不携带映射的错误也能格式化
	noMapping := newMappingError("查询外部地址", "192.168.1.1:1900", nil, cause)
	if noMapping.Error() == "" {
		t.Error("错误消息不应为空")
	}
}
