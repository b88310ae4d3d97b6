package decision

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

type fakeWORM struct {
	events []string
}

func (f *fakeWORM) Append(kind string, payload any) (uint64, error) {
	f.events = append(f.events, kind)
	return uint64(len(f.events) - 1), nil
}

func newTestManager(t *testing.T) (*Manager, ed25519.PublicKey, *fakeWORM) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	w := &fakeWORM{}
	m, err := New(filepath.Join(dir, "decisions"), filepath.Join(dir, "index.db"), priv, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, pub, w
}

func TestRecordPersistsAndSigns(t *testing.T) {
	m, pub, worm := newTestManager(t)

	rec, err := m.Record(KindPlanning,
		map[string]any{"query": "deploy the service"},
		map[string]any{"steps": []string{"build", "push", "apply"}},
		map[string]any{"status": "ok"},
		[]string{"kubectl@1.0"},
		nil,
		Context{ConversationID: "conv-1", TaskID: "task-1", Actor: "planner", Frameworks: []string{"soc2"}},
	)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.DRID == "" {
		t.Fatal("expected non-empty DR ID")
	}
	if rec.Signature == "" {
		t.Fatal("expected a signature")
	}
	if len(worm.events) != 1 || worm.events[0] != "decision.recorded" {
		t.Fatalf("expected one decision.recorded WORM event, got %v", worm.events)
	}

	if got := Verify(rec, pub); got != VerifyOK {
		t.Fatalf("expected VerifyOK, got %s", got)
	}
}

func TestLoadRoundTrips(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec, err := m.Record(KindToolCall, "in", "plan", "result", nil, nil, Context{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := m.Load(rec.DRID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DRID != rec.DRID || loaded.Signature != rec.Signature {
		t.Errorf("loaded record does not match original: %+v vs %+v", loaded, rec)
	}
}

func TestVerifyDetectsTamperedSignature(t *testing.T) {
	m, pub, _ := newTestManager(t)
	rec, err := m.Record(KindVerification, 1, 2, 3, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	rec.Signature = "ed25519:" + rec.Signature[len("ed25519:"):len(rec.Signature)-2] + "00"
	if got := Verify(rec, pub); got != VerifyBadSignature {
		t.Fatalf("expected VerifyBadSignature, got %s", got)
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	m, pub, _ := newTestManager(t)
	rec, err := m.Record(KindResponse, "in", "plan", "result", nil, nil, Context{Actor: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	rec.Actor = "someone-else"
	if got := Verify(rec, pub); got != VerifyBadSignature {
		t.Fatalf("expected tampering the signed payload to invalidate the signature, got %s", got)
	}
}

func TestVerifyHashDetectsMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec, err := m.Record(KindPlanning, map[string]any{"a": 1}, map[string]any{"b": 2}, map[string]any{"c": 3}, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyHash(rec, map[string]any{"a": 1}, map[string]any{"b": 2}, map[string]any{"c": 3}) {
		t.Fatal("expected matching hashes to verify")
	}
	if VerifyHash(rec, map[string]any{"a": 999}, map[string]any{"b": 2}, map[string]any{"c": 3}) {
		t.Fatal("expected mismatched input to fail hash verification")
	}
}

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": []any{3, 1, 2}}
	b := map[string]any{"a": 2, "m": []any{3, 1, 2}, "z": 1}
	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("expected canonical form independent of map insertion order: %s != %s", ca, cb)
	}
}

func TestHashOfIsDeterministic(t *testing.T) {
	v := map[string]any{"x": 1, "y": "two"}
	if hashOf(v) != hashOf(v) {
		t.Fatal("expected hashOf to be deterministic for the same value")
	}
}

func TestDRIDFormat(t *testing.T) {
	id, err := newDRID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) < len("DR-20060102-150405-") {
		t.Fatalf("DR ID too short: %q", id)
	}
	if id[:3] != "DR-" {
		t.Fatalf("expected DR- prefix, got %q", id)
	}
}
