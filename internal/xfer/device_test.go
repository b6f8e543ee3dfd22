// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNullDevice_WriteAndPartSizeLimit(t *testing.T) {
	d := NewNullDevice(512, 10)
	ctx := context.Background()

	if err := d.StartPart(ctx, 1, false); err != nil {
		t.Fatalf("StartPart error: %v", err)
	}

	n, err := d.Write(make([]byte, 4))
	if err != nil {
		t.Fatalf("unexpected error on first write: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected n=4, got %d", n)
	}

	n, err = d.Write(make([]byte, 10))
	if Classify(err) != ClassDeviceEom {
		t.Fatalf("expected DeviceEomError, got %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 bytes accepted before EOM, got %d", n)
	}
}

func TestNullDevice_DefaultBlockSize(t *testing.T) {
	d := NewNullDevice(0, 0)
	if got := d.BlockSize(); got != 32*1024 {
		t.Fatalf("expected default block size 32KiB, got %d", got)
	}
}

func TestFileDevice_WriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(dir, 512, 0)
	ctx := context.Background()

	if err := d.StartPart(ctx, 1, false); err != nil {
		t.Fatalf("StartPart error: %v", err)
	}
	if _, err := d.Write([]byte("hello part")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := d.FinishPart(ctx); err != nil {
		t.Fatalf("FinishPart error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "part-1"))
	if err != nil {
		t.Fatalf("reading part file: %v", err)
	}
	if string(data) != "hello part" {
		t.Fatalf("expected %q, got %q", "hello part", data)
	}
}

func TestFileDevice_PartSizeLimit(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(dir, 512, 5)
	ctx := context.Background()

	if err := d.StartPart(ctx, 1, false); err != nil {
		t.Fatalf("StartPart error: %v", err)
	}
	n, err := d.Write([]byte("0123456789"))
	if Classify(err) != ClassDeviceEom {
		t.Fatalf("expected DeviceEomError, got %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes accepted before EOM, got %d", n)
	}
	if err := d.FinishPart(ctx); err != nil {
		t.Fatalf("FinishPart error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "part-1"))
	if err != nil {
		t.Fatalf("reading part file: %v", err)
	}
	if string(data) != "01234" {
		t.Fatalf("expected %q, got %q", "01234", data)
	}
}

func TestFileDevice_NoTmpFileLeftAfterFinishPart(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(dir, 512, 0)
	ctx := context.Background()

	if err := d.StartPart(ctx, 1, false); err != nil {
		t.Fatalf("StartPart error: %v", err)
	}
	if _, err := d.Write([]byte("payload")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := d.FinishPart(ctx); err != nil {
		t.Fatalf("FinishPart error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "part-1.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected part-1.tmp to be gone after FinishPart, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "part-1")); err != nil {
		t.Fatalf("expected part-1 to exist after FinishPart, got %v", err)
	}
}

func TestFileDevice_RetentionPrunesOldestParts(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(dir, 512, 0)
	d.SetRetention(2)
	ctx := context.Background()

	for i := uint64(1); i <= 4; i++ {
		if err := d.StartPart(ctx, i, false); err != nil {
			t.Fatalf("StartPart(%d) error: %v", i, err)
		}
		if _, err := d.Write([]byte("x")); err != nil {
			t.Fatalf("Write(%d) error: %v", i, err)
		}
		if err := d.FinishPart(ctx); err != nil {
			t.Fatalf("FinishPart(%d) error: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected retention to keep exactly 2 parts, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "part-3")); err != nil {
		t.Fatalf("expected part-3 to survive retention, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "part-4")); err != nil {
		t.Fatalf("expected part-4 to survive retention, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "part-1")); !os.IsNotExist(err) {
		t.Fatalf("expected part-1 to have been pruned, stat err=%v", err)
	}
}

func TestBlockSizeGate_LockAndMismatch(t *testing.T) {
	var gate blockSizeGate

	if err := gate.checkStart(); Classify(err) != ClassConfiguration {
		t.Fatalf("expected ConfigurationError before any device installed, got %v", err)
	}

	devA := NewNullDevice(512, 0)
	if err := gate.useDevice(devA); err != nil {
		t.Fatalf("unexpected error locking first device: %v", err)
	}
	if err := gate.checkStart(); err != nil {
		t.Fatalf("expected checkStart to succeed after useDevice, got %v", err)
	}

	devB := NewNullDevice(1024, 0)
	if err := gate.useDevice(devB); Classify(err) != ClassConfiguration {
		t.Fatalf("expected ConfigurationError on incompatible block size swap, got %v", err)
	}
	if err := gate.checkStart(); Classify(err) != ClassConfiguration {
		t.Fatalf("expected checkStart to fail again after the rejected swap unlocked the gate, got %v", err)
	}
}

func TestBlockSizeGate_CompatibleSwapStaysLocked(t *testing.T) {
	var gate blockSizeGate

	devA := NewNullDevice(512, 0)
	devB := NewNullDevice(512, 0)
	if err := gate.useDevice(devA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.useDevice(devB); err != nil {
		t.Fatalf("expected a same-block-size swap to succeed, got %v", err)
	}
	if err := gate.checkStart(); err != nil {
		t.Fatalf("expected checkStart to succeed, got %v", err)
	}
}
