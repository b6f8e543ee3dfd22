// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEngineConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp engine config: %v", err)
	}
	return path
}

func TestLoadEngineConfig_MinimalFileSource(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: file
  path: /var/lib/xfer/source.bin
device:
  kind: null
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.Kind != "file" {
		t.Errorf("expected source.kind=file, got %q", cfg.Source.Kind)
	}
	if cfg.Engine.SlabSizeRaw != 1024*1024 {
		t.Errorf("expected default slab_size of 1mb, got %d", cfg.Engine.SlabSizeRaw)
	}
	if cfg.Engine.MaxSlabs != 64 {
		t.Errorf("expected default max_slabs=64, got %d", cfg.Engine.MaxSlabs)
	}
	if cfg.Engine.MaxMemoryRaw != 256*1024*1024 {
		t.Errorf("expected default max_memory of 256mb, got %d", cfg.Engine.MaxMemoryRaw)
	}
	if cfg.Engine.PartSizeRaw != 2*1024*1024*1024 {
		t.Errorf("expected default part_size of 2gb, got %d", cfg.Engine.PartSizeRaw)
	}
	if cfg.Engine.CachingMode != "cacher" {
		t.Errorf("expected default caching_mode=cacher, got %q", cfg.Engine.CachingMode)
	}
	if cfg.Device.BlockSize != 32*1024 {
		t.Errorf("expected default device.block_size=32KiB, got %d", cfg.Device.BlockSize)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level=info format=json, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadEngineConfig_RandomSourceDefaultsSize(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: null
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.Size != "10mb" {
		t.Errorf("expected default source.size=10mb, got %q", cfg.Source.Size)
	}
	if cfg.Source.SizeRaw != 10*1024*1024 {
		t.Errorf("expected SizeRaw=10mb, got %d", cfg.Source.SizeRaw)
	}
}

func TestLoadEngineConfig_FileSourceRequiresPath(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: file
device:
  kind: null
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for kind=file with no path")
	}
}

func TestLoadEngineConfig_UnknownSourceKindIsRejected(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: carrier-pigeon
device:
  kind: null
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for an unknown source.kind")
	}
}

func TestLoadEngineConfig_DeviceKindRequired(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error when device.kind is missing")
	}
}

func TestLoadEngineConfig_FileDeviceRequiresPath(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: file
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for device kind=file with no path")
	}
}

func TestLoadEngineConfig_DirectTCPDeviceRequiresConnectWhenNotListening(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: directtcp
  listen: false
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for directtcp device with no listen and no connect addresses")
	}
}

func TestLoadEngineConfig_DirectTCPDeviceListenModeNeedsNoAddresses(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: directtcp
  listen: true
`)
	if _, err := LoadEngineConfig(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadEngineConfig_DirectTCPDeviceTLSRequiresAllPaths(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: directtcp
  listen: true
  tls:
    enabled: true
    ca_path: /etc/xferengine/ca.pem
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error when tls.enabled is set without cert_path/key_path")
	}
}

func TestLoadEngineConfig_DirectTCPDeviceTLSAcceptsCompleteConfig(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: directtcp
  listen: true
  tls:
    enabled: true
    ca_path: /etc/xferengine/ca.pem
    cert_path: /etc/xferengine/cert.pem
    key_path: /etc/xferengine/key.pem
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Device.TLS.Enabled {
		t.Fatal("expected device.tls.enabled to round-trip as true")
	}
}

func TestLoadEngineConfig_S3DeviceRequiresBucket(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: s3
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for device kind=s3 with no bucket")
	}
}

func TestLoadEngineConfig_UnknownDeviceKindIsRejected(t *testing.T) {
	path := writeEngineConfig(t, `
source:
  kind: random
device:
  kind: carrier-pigeon
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for an unknown device.kind")
	}
}

func TestLoadEngineConfig_UnknownCachingModeIsRejected(t *testing.T) {
	path := writeEngineConfig(t, `
engine:
  caching_mode: teleport
source:
  kind: random
device:
  kind: null
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for an unknown engine.caching_mode")
	}
}

func TestLoadEngineConfig_InvalidByteSizeIsRejected(t *testing.T) {
	path := writeEngineConfig(t, `
engine:
  slab_size: not-a-size
source:
  kind: random
device:
  kind: null
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for an invalid engine.slab_size")
	}
}

func TestLoadEngineConfig_FileNotFound(t *testing.T) {
	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a nonexistent config file")
	}
}

func TestLoadEngineConfig_InvalidYAML(t *testing.T) {
	path := writeEngineConfig(t, "source: [this is not: valid yaml")
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
