package serialbridge

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goburrow/serial"
	"gopkg.in/yaml.v3"
)

// PortConfig describes one serial/USB port and the tenant farm its devices
// belong to.
type PortConfig struct {
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"` // /dev/ttyUSB0, COM3
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	StopBits int           `yaml:"stop_bits"`
	Parity   string        `yaml:"parity"` // N, E, O
	Timeout  time.Duration `yaml:"timeout"`
	TenantID string        `yaml:"tenant_id"`
	FarmID   string        `yaml:"farm_id"`
}

type fileConfig struct {
	Ports []PortConfig `yaml:"ports"`
}

// LoadConfig reads the YAML port list at path.
func LoadConfig(path string) ([]PortConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serial config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes a port list, fills defaults and validates it.
func ParseConfig(data []byte) ([]PortConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("serial config: %w", err)
	}
	seen := make(map[string]bool, len(fc.Ports))
	for i := range fc.Ports {
		p := &fc.Ports[i]
		if p.Address == "" {
			return nil, fmt.Errorf("serial config: port %d: address is required", i)
		}
		if p.TenantID == "" {
			return nil, fmt.Errorf("serial config: port %s: tenant_id is required", p.Address)
		}
		if p.Name == "" {
			p.Name = p.Address
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("serial config: duplicate port %q", p.Name)
		}
		seen[p.Name] = true
		applyDefaults(p)
	}
	return fc.Ports, nil
}

func applyDefaults(p *PortConfig) {
	if p.BaudRate == 0 {
		p.BaudRate = 115200
	}
	if p.DataBits == 0 {
		p.DataBits = 8
	}
	if p.StopBits == 0 {
		p.StopBits = 1
	}
	if p.Parity == "" {
		p.Parity = "N"
	}
	if p.Timeout <= 0 {
		p.Timeout = time.Second
	}
}

// Opener opens a port; tests substitute pipes.
type Opener func(PortConfig) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial device.
func OpenSerial(p PortConfig) (io.ReadWriteCloser, error) {
	return serial.Open(&serial.Config{
		Address:  p.Address,
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		StopBits: p.StopBits,
		Parity:   p.Parity,
		Timeout:  p.Timeout,
	})
}
