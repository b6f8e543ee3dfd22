// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import "testing"

func TestMessageKind_String(t *testing.T) {
	cases := []struct {
		kind MessageKind
		want string
	}{
		{MsgInfo, "Info"},
		{MsgError, "Error"},
		{MsgDone, "Done"},
		{MsgCancel, "Cancel"},
		{MsgPartDone, "PartDone"},
		{MsgReady, "Ready"},
		{MessageKind(99), "Unknown"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("MessageKind(%d).String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestMessage_Constructors(t *testing.T) {
	if msg := NewInfo(nil, "hello"); msg.Kind != MsgInfo || msg.Text != "hello" || msg.Version != ProtocolVersion {
		t.Fatalf("unexpected NewInfo result: %+v", msg)
	}
	if msg := NewError(nil, "boom"); msg.Kind != MsgError || msg.Text != "boom" {
		t.Fatalf("unexpected NewError result: %+v", msg)
	}
	if msg := NewDone(nil); msg.Kind != MsgDone {
		t.Fatalf("unexpected NewDone result: %+v", msg)
	}
	if msg := NewCancel(nil); msg.Kind != MsgCancel {
		t.Fatalf("unexpected NewCancel result: %+v", msg)
	}
	if msg := NewReady(nil); msg.Kind != MsgReady {
		t.Fatalf("unexpected NewReady result: %+v", msg)
	}
}

func TestInbox_PostReceive(t *testing.T) {
	ib := NewInbox(2)

	ib.Post(NewInfo(nil, "first"))
	ib.Post(NewDone(nil))

	first := <-ib.Receive()
	if first.Kind != MsgInfo || first.Text != "first" {
		t.Fatalf("unexpected first message: %+v", first)
	}
	second := <-ib.Receive()
	if second.Kind != MsgDone {
		t.Fatalf("unexpected second message: %+v", second)
	}
}

func TestInbox_DefaultCapacity(t *testing.T) {
	ib := NewInbox(0)
	if cap(ib.ch) != 64 {
		t.Fatalf("expected default capacity 64, got %d", cap(ib.ch))
	}
}
