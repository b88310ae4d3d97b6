// Package worm implements the write-once, hash-chained event journal (§4.2).
// Appends are serialized behind a single writer lock that also protects the
// hash chain; reads operate against a point-in-time snapshot. Durability is
// enforced with an exclusive advisory file lock, grounded in the teacher's
// internal/health flock discipline, plus an fsync on every segment write.
package worm

import (
	"bufio"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/robfig/cron"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/redact"
)

// Event is one entry of the WORM journal (§3 WORM Event).
type Event struct {
	Seq         uint64          `json:"seq"`
	TS          time.Time       `json:"ts"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PriorHash   string          `json:"prior_hash"`
	Hash        string          `json:"hash"`
	MerkleRoot  string          `json:"merkle_root,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// Log is the append-only event journal. One Log owns one segment directory;
// segments roll over by size, named with a strftime-formatted timestamp
// (grounded in the teacher's go.mod dependency on ncruces/go-strftime).
type Log struct {
	mu sync.Mutex

	dir             string
	segmentMaxBytes int64
	sealEvery       int
	sealInterval    time.Duration
	redactor        *redact.Redactor
	signer          ed25519.PrivateKey

	lockFile *os.File
	sealCron *cron.Cron

	nextSeq     uint64
	priorHash   string
	sinceSeal   int
	seg         *segment
}

type segment struct {
	path string
	file *os.File
	w    *bufio.Writer
	size int64
}

// Option configures a Log at construction.
type Option func(*Log)

// WithSealEvery sets the count-based sealing cadence (0 disables it).
func WithSealEvery(n int) Option {
	return func(l *Log) { l.sealEvery = n }
}

// WithSigner attaches an ed25519 signing key used for seal signatures.
func WithSigner(key ed25519.PrivateKey) Option {
	return func(l *Log) { l.signer = key }
}

// WithRedactor overrides the default redactor applied to every payload.
func WithRedactor(r *redact.Redactor) Option {
	return func(l *Log) { l.redactor = r }
}

// WithSegmentMaxBytes sets the rollover threshold for a segment file.
func WithSegmentMaxBytes(n int64) Option {
	return func(l *Log) { l.segmentMaxBytes = n }
}

// WithSealInterval sets the timer-based sealing cadence (0 disables it).
// Count-based (WithSealEvery) and timer-based sealing may both be active;
// whichever fires first resets sinceSeal for the other.
func WithSealInterval(d time.Duration) Option {
	return func(l *Log) { l.sealInterval = d }
}

// Open opens or creates the journal rooted at dir, acquiring an exclusive
// advisory lock for the duration of the process and replaying every
// segment to recover nextSeq/priorHash. A truncated trailing write
// (a partial line at EOF) is discarded rather than repaired, per §4.2's
// failure model.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "worm.Open", fmt.Errorf("mkdir %s: %w", dir, err))
	}

	l := &Log{
		dir:             dir,
		segmentMaxBytes: 64 << 20,
		redactor:        redact.Default(),
		priorHash:       strings.Repeat("0", 64),
	}
	for _, opt := range opts {
		opt(l)
	}

	lockPath := filepath.Join(dir, ".worm.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "worm.Open", err)
	}
	if err := flock(lf); err != nil {
		lf.Close()
		return nil, htnerr.New(htnerr.KindConflict, "worm.Open", fmt.Errorf("another process owns the WORM log at %s: %w", dir, err))
	}
	l.lockFile = lf

	if err := l.recover(); err != nil {
		funlock(lf)
		lf.Close()
		return nil, err
	}
	if err := l.openSegmentForAppend(); err != nil {
		funlock(lf)
		lf.Close()
		return nil, err
	}

	if l.sealInterval > 0 {
		l.sealCron = cron.New()
		spec := "@every " + l.sealInterval.String()
		if err := l.sealCron.AddFunc(spec, l.sealOnTimer); err != nil {
			funlock(lf)
			lf.Close()
			return nil, htnerr.New(htnerr.KindValidation, "worm.Open", fmt.Errorf("seal_interval %s: %w", l.sealInterval, err))
		}
		l.sealCron.Start()
	}
	return l, nil
}

// sealOnTimer runs the timer-based sealing cadence (§4.2), skipping a
// cycle if nothing has been appended since the last seal.
func (l *Log) sealOnTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sinceSeal == 0 || l.nextSeq == 0 {
		return
	}
	_, _, _ = l.sealLocked(l.nextSeq - 1)
}

// Close flushes the active segment and releases the process lock.
func (l *Log) Close() error {
	if l.sealCron != nil {
		l.sealCron.Stop()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.seg != nil {
		err = l.seg.close()
	}
	if l.lockFile != nil {
		funlock(l.lockFile)
		l.lockFile.Close()
	}
	return err
}

// segmentFiles returns every segment file under dir, sorted by name (which
// sorts by creation time since names are strftime-formatted).
func (l *Log) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "events-") || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		files = append(files, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// recover replays every segment to establish nextSeq and priorHash,
// truncating a final partial line rather than repairing it.
func (l *Log) recover() error {
	files, err := l.segmentFiles()
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "worm.recover", err)
	}
	for _, path := range files {
		if err := l.replaySegment(path); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) replaySegment(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "worm.replaySegment", err)
	}
	lines := strings.Split(string(data), "\n")
	lastLine := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			lastLine = i
		}
	}
	validUpTo := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if i < lastLine {
				continue // corrupted entry mid-segment: kept in place for Verify to report
			}
			break // partial trailing write; truncate at validUpTo
		}
		validUpTo = i + 1
		l.nextSeq = ev.Seq + 1
		l.priorHash = ev.Hash
		l.sinceSeal++
	}
	if validUpTo < len(lines) {
		rejoined := strings.Join(lines[:validUpTo], "\n")
		if rejoined != "" {
			rejoined += "\n"
		}
		if err := os.WriteFile(path, []byte(rejoined), 0o644); err != nil {
			return htnerr.New(htnerr.KindUnavailable, "worm.replaySegment", fmt.Errorf("truncate %s: %w", path, err))
		}
	}
	return nil
}

func (l *Log) openSegmentForAppend() error {
	files, err := l.segmentFiles()
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "worm.openSegmentForAppend", err)
	}
	var path string
	var size int64
	if len(files) > 0 {
		last := files[len(files)-1]
		if info, err := os.Stat(last); err == nil && info.Size() < l.segmentMaxBytes {
			path, size = last, info.Size()
		}
	}
	if path == "" {
		path = l.newSegmentPath()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "worm.openSegmentForAppend", err)
	}
	l.seg = &segment{path: path, file: f, w: bufio.NewWriter(f), size: size}
	return nil
}

func (l *Log) newSegmentPath() string {
	name := "events-" + strftime.Format("%Y%m%d-%H%M%S", time.Now().UTC()) + ".jsonl"
	return filepath.Join(l.dir, name)
}

func (s *segment) close() error {
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return err
		}
		return s.file.Close()
	}
	return nil
}

// Append redacts payload, computes the next hash-chain entry, and writes it
// durably (buffered write + fsync). On a storage failure the in-memory
// sequence/hash counters are rolled back so a retried Append resumes from
// the last durable entry (§4.2).
func (l *Log) Append(kind string, payload any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.appendLocked(kind, payload, "", "")
	if err != nil {
		return 0, err
	}

	if l.sealEvery > 0 && l.sinceSeal >= l.sealEvery {
		if _, _, err := l.sealLocked(seq); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

// appendLocked writes one entry to the active segment under the caller's
// held lock, optionally stamping a Merkle root/signature onto the entry
// itself (used by sealLocked to make the seal part of the chain it
// attests to). It does not evaluate the seal-cadence policy; callers that
// want automatic sealing do so after this returns.
func (l *Log) appendLocked(kind string, payload any, merkleRoot, signature string) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, htnerr.New(htnerr.KindValidation, "worm.Append", err)
	}
	redacted := redactJSON(l.redactor, raw)

	seq := l.nextSeq
	ev := Event{
		Seq:        seq,
		TS:         time.Now().UTC(),
		Kind:       kind,
		Payload:    redacted,
		PriorHash:  l.priorHash,
		MerkleRoot: merkleRoot,
		Signature:  signature,
	}
	ev.Hash = hashEntry(ev.PriorHash, canonicalPayloadBytes(ev))

	if l.seg.size >= l.segmentMaxBytes {
		if err := l.seg.close(); err != nil {
			return 0, htnerr.New(htnerr.KindIntegrity, "worm.Append", err)
		}
		if err := l.openSegmentForAppend(); err != nil {
			return 0, err
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, htnerr.New(htnerr.KindValidation, "worm.Append", err)
	}
	line = append(line, '\n')

	n, werr := l.seg.w.Write(line)
	if werr == nil {
		werr = l.seg.w.Flush()
	}
	if werr == nil {
		werr = l.seg.file.Sync()
	}
	if werr != nil {
		// Roll back: nothing durable changed, so nextSeq/priorHash stay put.
		return 0, htnerr.New(htnerr.KindIntegrity, "worm.Append", fmt.Errorf("StorageError: %w", werr))
	}

	l.seg.size += int64(n)
	l.nextSeq = seq + 1
	l.priorHash = ev.Hash
	l.sinceSeal++
	return seq, nil
}

// canonicalPayloadBytes produces the bytes hashed into the chain: sorted-key
// JSON of the fields that define this entry's content, excluding hash/seal
// fields that are themselves derived.
func canonicalPayloadBytes(ev Event) []byte {
	type canonical struct {
		Seq     uint64          `json:"seq"`
		TS      string          `json:"ts"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	b, _ := json.Marshal(canonical{Seq: ev.Seq, TS: ev.TS.Format(time.RFC3339Nano), Kind: ev.Kind, Payload: ev.Payload})
	return b
}

func hashEntry(priorHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(priorHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func redactJSON(r *redact.Redactor, raw json.RawMessage) json.RawMessage {
	if r == nil {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(r.Redact(string(raw)))
	}
	redactAny(r, &v)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func redactAny(r *redact.Redactor, v *any) {
	switch t := (*v).(type) {
	case string:
		*v = r.Redact(t)
	case map[string]any:
		for k, val := range t {
			redactAny(r, &val)
			t[k] = val
		}
	case []any:
		for i, val := range t {
			redactAny(r, &val)
			t[i] = val
		}
	}
}

// Range is an inclusive sequence-number interval.
type Range struct {
	From, To uint64
}

// VerifyResult reports the outcome of a chain integrity check.
type VerifyResult struct {
	OK       bool
	BrokenAt uint64 // first divergent sequence number, valid when !OK
}

// Verify re-hashes every entry in r from the log's origin, reporting the
// first divergence. A missing/corrupted segment counts as a break at the
// first sequence number it should have contained.
func (l *Log) Verify(r Range) (VerifyResult, error) {
	entries, err := l.readAll()
	if err != nil {
		return VerifyResult{}, err
	}
	prior := strings.Repeat("0", 64)
	var expect uint64
	for _, ev := range entries {
		if ev.Seq != expect && ev.Seq >= r.From && expect <= r.To {
			at := expect
			if at < r.From {
				at = r.From
			}
			return VerifyResult{OK: false, BrokenAt: at}, nil
		}
		expect = ev.Seq + 1
		if ev.Seq < r.From {
			prior = ev.Hash
			continue
		}
		if ev.Seq > r.To {
			break
		}
		want := hashEntry(prior, canonicalPayloadBytes(ev))
		if want != ev.Hash {
			return VerifyResult{OK: false, BrokenAt: ev.Seq}, nil
		}
		prior = ev.Hash
	}
	return VerifyResult{OK: true}, nil
}

// readAll loads every entry from every segment, in sequence order. Used by
// Verify and Seal; not exposed for hot-path use since it reads the whole
// chain from disk.
func (l *Log) readAll() ([]Event, error) {
	files, err := l.segmentFiles()
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "worm.readAll", err)
	}
	var out []Event
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, htnerr.New(htnerr.KindUnavailable, "worm.readAll", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Seal finalizes the prefix [0, upTo] by computing a Merkle root over the
// included entries and, if a signer is configured, a detached signature
// over that root. The seal itself is appended as a `worm.sealed` event so
// it is part of the chain it attests to.
func (l *Log) Seal(upTo uint64) (root string, signature string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealLocked(upTo)
}

func (l *Log) sealLocked(upTo uint64) (string, string, error) {
	entries, err := l.readAll()
	if err != nil {
		return "", "", err
	}
	var leaves [][]byte
	for _, ev := range entries {
		if ev.Seq > upTo {
			break
		}
		h, _ := hex.DecodeString(ev.Hash)
		leaves = append(leaves, h)
	}
	if len(leaves) == 0 {
		return "", "", htnerr.New(htnerr.KindValidation, "worm.Seal", fmt.Errorf("no entries up to seq %d", upTo))
	}
	root := merkleRoot(leaves)
	rootHex := hex.EncodeToString(root)

	var sig string
	if l.signer != nil {
		sig = "ed25519:" + hex.EncodeToString(ed25519.Sign(l.signer, root))
	}

	payload := struct {
		UpTo       uint64 `json:"up_to"`
		MerkleRoot string `json:"merkle_root"`
		Signature  string `json:"signature,omitempty"`
	}{UpTo: upTo, MerkleRoot: rootHex, Signature: sig}

	if _, err := l.appendLocked("worm.sealed", payload, rootHex, sig); err != nil {
		return "", "", err
	}

	l.sinceSeal = 0
	return rootHex, sig, nil
}

// merkleRoot computes a binary Merkle tree root over leaves, duplicating
// the final node on an odd level (standard Merkle padding).
func merkleRoot(leaves [][]byte) []byte {
	level := leaves
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			if i+1 < len(level) {
				h.Write(level[i+1])
			} else {
				h.Write(level[i])
			}
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}

// NextSequence returns the sequence number the next Append will use.
func (l *Log) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}
