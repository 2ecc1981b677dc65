package copilot

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteAuditLog(t *testing.T) {
	store := newTestSQLite(t)
	log, err := NewSQLiteAuditLog(store.DB(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteAuditLog: %v", err)
	}
	ctx := context.Background()

	old := AuditEntry{Sender: "telegram:1", Channel: "telegram", Action: "bash", Args: `{"command":"ls"}`, Risk: "MEDIUM", Approved: true, Result: AuditSuccess, CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}
	fresh := AuditEntry{Sender: "telegram:1", Channel: "telegram", Action: "file_write", Risk: "HIGH", Result: AuditDenied}
	for _, e := range []AuditEntry{old, fresh} {
		if err := log.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Action != "file_write" || recent[0].Approved {
		t.Fatalf("recent = %+v", recent)
	}
	if !recent[1].Approved || recent[1].Args != `{"command":"ls"}` || recent[1].CreatedAt.IsZero() {
		t.Errorf("old entry = %+v", recent[1])
	}

	n, err := log.Prune(ctx, 30*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if n, _ := log.Prune(ctx, 0); n != 0 {
		t.Errorf("zero retention pruned %d", n)
	}
	recent, _ = log.Recent(ctx, 10)
	if len(recent) != 1 || recent[0].Result != AuditDenied {
		t.Errorf("after prune = %+v", recent)
	}
}
