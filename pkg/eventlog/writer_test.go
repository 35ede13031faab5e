package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hivemind/pkg/proto"
)

func TestWriteMessageAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	first := proto.NewBusMsg(proto.MsgTypeHEARTBEAT, "agent-1", "agent-2")
	second := proto.NewBusMsg(proto.MsgTypeASSIGNMENT, "orch", "agent-1")
	for _, msg := range []*proto.BusMsg{first, second} {
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().Format("2006-01-02")))
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Log file not created: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		msg, err := proto.FromJSON(scanner.Bytes())
		if err != nil {
			t.Fatalf("Log line is not a valid message: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(ids))
	}
	if ids[0] != first.ID || ids[1] != second.ID {
		t.Error("Messages logged out of order")
	}
}

func TestWriterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.WriteMessage(proto.NewBusMsg(proto.MsgTypeHEARTBEAT, "a", "b")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A second writer on the same dir appends rather than truncating.
	w2, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer w2.Close()
	if err := w2.WriteMessage(proto.NewBusMsg(proto.MsgTypeHEARTBEAT, "a", "b")); err != nil {
		t.Fatalf("WriteMessage after reopen failed: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().Format("2006-01-02")))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("Expected 2 appended lines, got %d", lines)
	}
}

func TestWriteAfterCloseReopensFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// rotateIfNeeded reopens on the next write.
	if err := w.WriteMessage(proto.NewBusMsg(proto.MsgTypeERROR, "a", "b")); err != nil {
		t.Fatalf("WriteMessage after close failed: %v", err)
	}
	w.Close()
}
