package worm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendAssignsGaplessSequence(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		seq, err := log.Append("test.event", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestHashChainLinksConsecutiveEntries(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 3; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := log.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PriorHash != entries[i-1].Hash {
			t.Errorf("entry %d prior_hash %q != entry %d hash %q", i, entries[i].PriorHash, i-1, entries[i-1].Hash)
		}
		want := hashEntry(entries[i].PriorHash, canonicalPayloadBytes(entries[i]))
		if want != entries[i].Hash {
			t.Errorf("entry %d: hash(%q || payload) = %q, want %q", i, entries[i].PriorHash, entries[i].Hash, want)
		}
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("expected exactly one segment, got %d", len(files))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	// Flip a byte inside entry 2's payload.
	var ev Event
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatal(err)
	}
	ev.Payload = json.RawMessage(`{"i":999}`)
	tampered, _ := json.Marshal(ev)
	lines[2] = string(tampered)
	if err := os.WriteFile(files[0], []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	log2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after tamper: %v", err)
	}
	defer log2.Close()

	result, err := log2.Verify(Range{From: 0, To: 4})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Fatal("expected Verify to detect tamper")
	}
	if result.BrokenAt != 2 {
		t.Errorf("expected break at seq 2, got %d", result.BrokenAt)
	}
}

func TestAppendStillWorksAfterTamperIsDetected(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	data, _ := os.ReadFile(files[0])
	corrupted := strings.Replace(string(data), `"i":0`, `"i":0,"x":"tampered"`, 1)
	os.WriteFile(files[0], []byte(corrupted), 0o644)

	log2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	result, _ := log2.Verify(Range{From: 0, To: 1})
	if result.OK {
		t.Fatal("expected tamper to still be detected")
	}

	// Future appends continue from the current tip rather than refusing.
	seq, err := log2.Append("test.event", map[string]any{"i": 2})
	if err != nil {
		t.Fatalf("append after tamper detected should still succeed: %v", err)
	}
	if seq != 2 {
		t.Errorf("expected next seq 2, got %d", seq)
	}
}

func TestRedactsPayloadBeforePersisting(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	_, err = log.Append("test.event", map[string]any{"note": "contact me at alice@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := log.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(entries[0].Payload), "alice@example.com") {
		t.Errorf("expected email redacted, got payload %s", entries[0].Payload)
	}
	if !strings.Contains(string(entries[0].Payload), "EMAIL_REDACTED") {
		t.Errorf("expected redaction placeholder, got payload %s", entries[0].Payload)
	}
}

func TestSealProducesMerkleRootAndSignatureAvailable(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	for i := 0; i < 4; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	root, _, err := log.Seal(3)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if root == "" {
		t.Fatal("expected non-empty merkle root")
	}

	root2, _, err := log.Seal(3)
	if err != nil {
		t.Fatal(err)
	}
	if root != root2 {
		t.Errorf("sealing the same prefix twice should produce the same root: %q != %q", root, root2)
	}
}

func TestSealPersistsAsEventSurvivingReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	root, sig, err := log.Seal(3)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	log.Close()

	log2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	entries, err := log2.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 4 appended entries plus 1 sealed entry, got %d", len(entries))
	}
	sealed := entries[4]
	if sealed.Kind != "worm.sealed" {
		t.Fatalf("expected seq 4 to be a worm.sealed event, got kind %q", sealed.Kind)
	}
	if sealed.MerkleRoot != root {
		t.Errorf("persisted merkle_root %q != returned root %q", sealed.MerkleRoot, root)
	}
	if sig != "" && sealed.Signature != sig {
		t.Errorf("persisted signature %q != returned signature %q", sealed.Signature, sig)
	}
	if sealed.PriorHash != entries[3].Hash {
		t.Errorf("sealed event should chain onto the last sealed entry's hash")
	}

	// The sealed entry is itself part of the chain it attests to.
	result, err := log2.Verify(Range{From: 0, To: 4})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("expected chain including the seal event to verify, broke at %d", result.BrokenAt)
	}

	// Re-sealing the same prefix after reopen still returns the same root,
	// read from the now-persisted entries.
	root2, _, err := log2.Seal(3)
	if err != nil {
		t.Fatal(err)
	}
	if root2 != root {
		t.Errorf("expected stable root across reopen, got %q != %q", root2, root)
	}
}

func TestOpenRecoversSequenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append("test.event", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	log2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()
	if log2.NextSequence() != 3 {
		t.Errorf("expected recovered next seq 3, got %d", log2.NextSequence())
	}
	seq, err := log2.Append("test.event", map[string]any{"i": 3})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3 after reopen, got %d", seq)
	}
}

func TestSecondOpenIsRejectedWhileFirstIsActive(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	if _, err := Open(dir); err == nil {
		t.Fatal("expected second Open to fail while first process holds the lock")
	}
}
