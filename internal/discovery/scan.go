package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/mvalancy/pdubridge/internal/model"
)

const (
	probeTimeout   = 1500 * time.Millisecond
	maxConcurrency = 32
)

// Discovered 扫描到的一台 PDU
type Discovered struct {
	Host   string `json:"host"`
	Name   string `json:"name,omitempty"`
	Model  string `json:"model,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// probeHost 探测单个地址。读 CyberPower 标识 OID，失败即跳过。
func probeHost(ctx context.Context, host, community string) *Discovered {
	if ctx.Err() != nil {
		return nil
	}
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   probeTimeout,
		Retries:   0,
	}
	if err := client.Connect(); err != nil {
		return nil
	}
	defer client.Conn.Close()

	packet, err := client.Get([]string{model.OIDDeviceName, model.OIDModelNumber, model.OIDSerialNum})
	if err != nil || packet == nil {
		return nil
	}

	found := &Discovered{Host: host}
	for _, pdu := range packet.Variables {
		if pdu.Type != gosnmp.OctetString {
			continue
		}
		raw, ok := pdu.Value.([]byte)
		if !ok {
			continue
		}
		value := string(raw)
		oid := strings.TrimPrefix(pdu.Name, ".")
		switch oid {
		case model.OIDDeviceName:
			found.Name = value
		case model.OIDModelNumber:
			found.Model = value
		case model.OIDSerialNum:
			found.Serial = value
		}
	}
	if found.Name == "" && found.Model == "" && found.Serial == "" {
		return nil
	}
	return found
}

// subnetHosts 展开 /24 子网（"192.168.20.0/24" 或 "192.168.20"）
func subnetHosts(subnet string) ([]string, error) {
	subnet = strings.TrimSpace(subnet)
	if subnet == "" {
		return nil, fmt.Errorf("empty subnet")
	}

	if strings.Contains(subnet, "/") {
		_, ipNet, err := net.ParseCIDR(subnet)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
		}
		ones, bits := ipNet.Mask.Size()
		if bits-ones > 8 {
			return nil, fmt.Errorf("subnet %q larger than /24", subnet)
		}
		base := ipNet.IP.To4()
		if base == nil {
			return nil, fmt.Errorf("subnet %q is not IPv4", subnet)
		}
		var hosts []string
		for i := 1; i < 255; i++ {
			ip := net.IPv4(base[0], base[1], base[2], byte(i))
			if ipNet.Contains(ip) {
				hosts = append(hosts, ip.String())
			}
		}
		return hosts, nil
	}

	// "192.168.20" 前缀形式
	parts := strings.Split(subnet, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid subnet %q (expected a.b.c or CIDR)", subnet)
	}
	hosts := make([]string, 0, 254)
	for i := 1; i < 255; i++ {
		hosts = append(hosts, fmt.Sprintf("%s.%d", subnet, i))
	}
	return hosts, nil
}

// SubnetOf 从已知主机推导 /24 前缀（"192.168.20.177" -> "192.168.20"）
func SubnetOf(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupHost(host)
		if err != nil || len(addrs) == 0 {
			return ""
		}
		ip = net.ParseIP(addrs[0])
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
}

// ScanSubnet 在子网内并发探测 CyberPower 设备（并发上限 32）
func ScanSubnet(ctx context.Context, subnet, community string) ([]Discovered, error) {
	hosts, err := subnetHosts(subnet)
	if err != nil {
		return nil, err
	}
	log.Printf("Discovery: scanning %d hosts in %s", len(hosts), subnet)

	sem := make(chan struct{}, maxConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var found []Discovered

	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(h string) {
			defer wg.Done()
			defer func() { <-sem }()
			if d := probeHost(ctx, h, community); d != nil {
				mu.Lock()
				found = append(found, *d)
				mu.Unlock()
			}
		}(host)
	}
	wg.Wait()

	log.Printf("Discovery: found %d device(s) in %s", len(found), subnet)
	return found, nil
}

// FindBySerial 在子网内按硬件序列号找设备，返回其地址。
// 供 LOST 状态的 DHCP 恢复钩子使用。
func FindBySerial(ctx context.Context, subnet, community, serial string) (string, error) {
	if serial == "" {
		return "", fmt.Errorf("serial is empty")
	}
	found, err := ScanSubnet(ctx, subnet, community)
	if err != nil {
		return "", err
	}
	for _, d := range found {
		if d.Serial == serial {
			return d.Host, nil
		}
	}
	return "", fmt.Errorf("no device with serial %s in %s", serial, subnet)
}
