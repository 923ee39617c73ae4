package websocket_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leonletto/livewire/internal/protocol"
	ws "github.com/leonletto/livewire/internal/websocket"
)

func TestStateFeed_HandshakeAndPush(t *testing.T) {
	server := startPeer(t)
	feed := ws.NewStateFeed(server, "state:request", "state:push")
	if _, err := feed.Set("color", "red"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	conn := dial(t, server, "cli_a")

	env := envelope(`{"scope":"all","force_full":true,"last_seq":0}`, protocol.Options{})
	sendFrame(t, conn, "request", "state:request", 1, env)
	f := readFrame(t, conn)
	resp, err := protocol.DecodeResponse(f.Result, env.CorrelationID)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	entry, _ := resp.First()
	var hs struct {
		RuntimeEpoch string                     `json:"runtime_epoch"`
		SeqBase      int64                      `json:"seq_base"`
		Snapshot     map[string]json.RawMessage `json:"snapshot"`
	}
	if err := entry.Decode(&hs); err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if hs.RuntimeEpoch != feed.Epoch() || hs.SeqBase != 1 || string(hs.Snapshot["color"]) != `"red"` {
		t.Errorf("handshake = %+v", hs)
	}

	seq, err := feed.Set("size", 3)
	if err != nil || seq != 2 {
		t.Fatalf("Set = %d, %v", seq, err)
	}
	f = readFrame(t, conn)
	if f.Event != "state:push" {
		t.Fatalf("event = %q", f.Event)
	}
	d, err := protocol.ValidateServerEnvelope(f.Envelope)
	if err != nil {
		t.Fatalf("ValidateServerEnvelope: %v", err)
	}
	var push struct {
		Seq          int64                      `json:"seq"`
		RuntimeEpoch string                     `json:"runtime_epoch"`
		Snapshot     map[string]json.RawMessage `json:"snapshot"`
	}
	if err := d.Decode(&push); err != nil {
		t.Fatal(err)
	}
	if push.Seq != 2 || push.RuntimeEpoch != feed.Epoch() || string(push.Snapshot["size"]) != "3" {
		t.Errorf("push = %+v", push)
	}
}

func TestStateFeed_SnapshotOnlyWhenBehind(t *testing.T) {
	server := startPeer(t)
	feed := ws.NewStateFeed(server, "state:request", "state:push")
	_, _ = feed.Set("k", 1)

	n := 0
	handshake := func(lastSeq int64, epoch string) map[string]any {
		n++
		conn := dial(t, server, fmt.Sprintf("cli_%d", n))
		data, _ := json.Marshal(map[string]any{"last_seq": lastSeq, "runtime_epoch": epoch})
		env := envelope(string(data), protocol.Options{})
		sendFrame(t, conn, "request", "state:request", 1, env)
		f := readFrame(t, conn)
		resp, err := protocol.DecodeResponse(f.Result, env.CorrelationID)
		if err != nil {
			t.Fatalf("DecodeResponse: %v", err)
		}
		entry, _ := resp.First()
		out := map[string]any{}
		_ = entry.Decode(&out)
		return out
	}

	if out := handshake(1, feed.Epoch()); out["snapshot"] != nil {
		t.Errorf("up-to-date client got a snapshot: %v", out)
	}
	if out := handshake(0, feed.Epoch()); out["snapshot"] == nil {
		t.Errorf("lagging client got no snapshot: %v", out)
	}
	feed.Restart("E2")
	if out := handshake(1, "old"); out["snapshot"] == nil || out["runtime_epoch"] != "E2" {
		t.Errorf("client on an old epoch = %v", out)
	}
}
