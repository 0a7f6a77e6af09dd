package log

import (
	"testing"
	"time"

	"refuge.voxelcraft.ai/internal/refuge/audit"
)

func TestAuditLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	entries := []audit.Entry{
		{Tick: 1, Actor: "alice", Action: audit.ActionCreate, Pos: [3]int{1000, 1000, 0}},
		{Tick: 4, Actor: "alice", Action: audit.ActionEnter, Details: map[string]any{"penalty_s": 0.0}},
		{Tick: 9, Actor: "alice", Action: audit.ActionExit},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := ReadAudit(dir)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries: %d", len(got))
	}
	if got[1].Action != audit.ActionEnter || got[2].Tick != 9 || got[0].Pos != [3]int{1000, 1000, 0} {
		t.Fatalf("entries: %+v", got)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir+"/audit", "audit")
	at := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }
	if err := w.Write(audit.Entry{Tick: 1, Action: "A"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(audit.Entry{Tick: 2, Action: "B"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := ReadAudit(dir)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(got) != 2 || got[0].Action != "A" || got[1].Action != "B" {
		t.Fatalf("entries: %+v", got)
	}
}

func TestReadAudit_MissingDir(t *testing.T) {
	got, err := ReadAudit(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestTee(t *testing.T) {
	var a, b audit.Memory
	tee := Tee{&a, nil, &b}
	if err := tee.WriteAudit(audit.Entry{Action: audit.ActionDeath}); err != nil {
		t.Fatalf("tee: %v", err)
	}
	if len(a.Entries) != 1 || len(b.Entries) != 1 {
		t.Fatalf("fanout: %d %d", len(a.Entries), len(b.Entries))
	}
}
