// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import "testing"

func TestMechanism_String(t *testing.T) {
	cases := []struct {
		m    Mechanism
		want string
	}{
		{MechNone, "None"},
		{MechReadFd, "ReadFd"},
		{MechWriteFd, "WriteFd"},
		{MechPullBuffer, "PullBuffer"},
		{MechPushBuffer, "PushBuffer"},
		{MechDirectTCPListen, "DirectTcpListen"},
		{MechDirectTCPConnect, "DirectTcpConnect"},
		{Mechanism(99), "Unknown"},
	}
	for _, c := range cases {
		if got := c.m.String(); got != c.want {
			t.Errorf("Mechanism(%d).String() = %q, want %q", c.m, got, c.want)
		}
	}
}

func TestMechPair_Cost(t *testing.T) {
	cases := []struct {
		p    MechPair
		want int
	}{
		{MechPair{OpsPerByte: 0, ExtraThreads: 0}, 0},
		{MechPair{OpsPerByte: 1, ExtraThreads: 0}, 1 << 8},
		{MechPair{OpsPerByte: 1, ExtraThreads: 1}, 1<<8 | 1},
		{MechPair{OpsPerByte: 2, ExtraThreads: 3}, 2<<8 | 3},
	}
	for _, c := range cases {
		if got := c.p.Cost(); got != c.want {
			t.Errorf("MechPair%+v.Cost() = %d, want %d", c.p, got, c.want)
		}
	}
}

func TestMechPair_CostOrdersOpsPerByteAboveThreads(t *testing.T) {
	cheap := MechPair{OpsPerByte: 0, ExtraThreads: 255}
	expensive := MechPair{OpsPerByte: 1, ExtraThreads: 0}
	if cheap.Cost() >= expensive.Cost() {
		t.Fatalf("expected ops_per_byte to dominate cost: cheap=%d expensive=%d", cheap.Cost(), expensive.Cost())
	}
}
