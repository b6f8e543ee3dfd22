// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineConfig representa a configuração completa do xfer-agent: como a
// engine monta e limita cada transferência.
type EngineConfig struct {
	Engine  EngineInfo   `yaml:"engine"`
	Source  SourceConfig `yaml:"source"`
	Device  DeviceConfig `yaml:"device"`
	Logging LoggingInfo  `yaml:"logging"`
}

// SourceConfig identifies what xfer-agent should read from.
type SourceConfig struct {
	Kind string `yaml:"kind"` // "file", "random"

	// kind == "file"
	Path string `yaml:"path"`

	// kind == "random"
	Size    string `yaml:"size"` // ex: "10mb"
	SizeRaw int64  `yaml:"-"`
	Seed    uint64 `yaml:"seed"`
}

// EngineInfo contém os parâmetros de dimensionamento do pipeline: tamanho
// de slab, memória máxima em voo, tamanho de parte e modo de cache.
type EngineInfo struct {
	SlabSize        string `yaml:"slab_size"`         // ex: "1mb", "4mb" (default: 1mb)
	SlabSizeRaw     int64  `yaml:"-"`
	MaxSlabs        int    `yaml:"max_slabs"`         // 0 == usa default
	MaxMemory       string `yaml:"max_memory"`        // ex: "256mb"; limite do semáforo de memória
	MaxMemoryRaw    int64  `yaml:"-"`
	StreamingOnly   bool   `yaml:"streaming_only"`    // default de "exige streaming" por transferência
	PartSize        string `yaml:"part_size"`         // ex: "2gb"
	PartSizeRaw     int64  `yaml:"-"`
	CachingMode     string `yaml:"caching_mode"`      // "cacher", "splitter", "directtcp"
	VerifyCron      string `yaml:"verify_cron"`       // cron expr opcional para re-verificação (modo cacher)
	ThreadPenalty   int    `yaml:"thread_penalty"`    // <= 0 runs AutoExtraThreads; a positive value only skips that and is not passed to the linker
	MetricsAddr     string `yaml:"metrics_addr"`      // ex: ":9090"; empty disables the /metrics server
}

// DeviceConfig identifica e configura o Device de destino usado pelo
// xfer-taperd: qual tipo de dispositivo, seu tamanho de bloco fixo, e
// parâmetros específicos do tipo escolhido.
type DeviceConfig struct {
	Kind      string `yaml:"kind"` // "null", "file", "directtcp", "s3"
	BlockSize int    `yaml:"block_size"`

	// kind == "file"
	Path string `yaml:"path"`

	// kind == "directtcp"
	Listen  bool     `yaml:"listen"`
	Connect []string `yaml:"connect"`
	TLS     TLSConfig `yaml:"tls"`

	// kind == "s3"
	Bucket    string `yaml:"bucket"`
	KeyPrefix string `yaml:"key_prefix"`
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	Endpoint  string `yaml:"endpoint"`
}

// TLSConfig enables mTLS on a directtcp device's listen/connect socket.
// CAPath validates the peer; CertPath/KeyPath present this side's own
// identity. Leaving Enabled false (the default) runs DirectTCP in plaintext.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAPath   string `yaml:"ca_path"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// LoadEngineConfig lê e valida o arquivo YAML de configuração da engine.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	return &cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Engine.SlabSize == "" {
		c.Engine.SlabSize = "1mb"
	}
	slabRaw, err := ParseByteSize(c.Engine.SlabSize)
	if err != nil {
		return fmt.Errorf("engine.slab_size: %w", err)
	}
	c.Engine.SlabSizeRaw = slabRaw

	if c.Engine.MaxSlabs <= 0 {
		c.Engine.MaxSlabs = 64
	}

	if c.Engine.MaxMemory == "" {
		c.Engine.MaxMemory = "256mb"
	}
	memRaw, err := ParseByteSize(c.Engine.MaxMemory)
	if err != nil {
		return fmt.Errorf("engine.max_memory: %w", err)
	}
	c.Engine.MaxMemoryRaw = memRaw

	if c.Engine.PartSize == "" {
		c.Engine.PartSize = "2gb"
	}
	partRaw, err := ParseByteSize(c.Engine.PartSize)
	if err != nil {
		return fmt.Errorf("engine.part_size: %w", err)
	}
	c.Engine.PartSizeRaw = partRaw

	switch c.Engine.CachingMode {
	case "":
		c.Engine.CachingMode = "cacher"
	case "cacher", "splitter", "directtcp":
	default:
		return fmt.Errorf("engine.caching_mode: unknown mode %q", c.Engine.CachingMode)
	}

	switch c.Source.Kind {
	case "", "file":
		c.Source.Kind = "file"
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for kind=file")
		}
	case "random":
		if c.Source.Size == "" {
			c.Source.Size = "10mb"
		}
		sizeRaw, err := ParseByteSize(c.Source.Size)
		if err != nil {
			return fmt.Errorf("source.size: %w", err)
		}
		c.Source.SizeRaw = sizeRaw
	default:
		return fmt.Errorf("source.kind: unknown source %q", c.Source.Kind)
	}

	if c.Device.Kind == "" {
		return fmt.Errorf("device.kind is required")
	}
	switch c.Device.Kind {
	case "null":
	case "file":
		if c.Device.Path == "" {
			return fmt.Errorf("device.path is required for kind=file")
		}
	case "directtcp":
		if !c.Device.Listen && len(c.Device.Connect) == 0 {
			return fmt.Errorf("device.connect must have at least one address when device.listen is false")
		}
		if c.Device.TLS.Enabled {
			if c.Device.TLS.CAPath == "" || c.Device.TLS.CertPath == "" || c.Device.TLS.KeyPath == "" {
				return fmt.Errorf("device.tls requires ca_path, cert_path, and key_path when enabled")
			}
		}
	case "s3":
		if c.Device.Bucket == "" {
			return fmt.Errorf("device.bucket is required for kind=s3")
		}
	default:
		return fmt.Errorf("device.kind: unknown device %q", c.Device.Kind)
	}
	if c.Device.BlockSize <= 0 {
		c.Device.BlockSize = 32 * 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts a size such as "256mb", "4kb" or "1024" into
// bytes. Units (b, kb, mb, gb, tb) are case-insensitive and 1024-based.
func ParseByteSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	units := []struct {
		suffix string
		mult   int64
	}{{"tb", 1 << 40}, {"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10}, {"b", 1}}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(v, u.suffix) {
			v, mult = strings.TrimSuffix(v, u.suffix), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}
