// Package decision implements the Decision Record Manager (§4.3): signed,
// canonical-JSON records of every significant decision, persisted one file
// per record and indexed in SQLite for query without a filesystem scan.
package decision

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ncruces/go-strftime"
	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
)

// Kind is the `decision_type` of a Decision Record (§6).
type Kind string

const (
	KindPlanning     Kind = "planning"
	KindToolCall     Kind = "tool_call"
	KindVerification Kind = "verification"
	KindResponse     Kind = "response"
	KindPolicyReject Kind = "policy_reject"
)

// Record is the exact JSON shape specified in §6.
type Record struct {
	DRID                   string   `json:"dr_id"`
	Timestamp              string   `json:"timestamp"`
	Actor                  string   `json:"actor"`
	TaskID                 *string  `json:"task_id"`
	DecisionType           Kind     `json:"decision_type"`
	InputHash              string   `json:"input_hash"`
	PlanHash               string   `json:"plan_hash"`
	ResultHash             string   `json:"result_hash"`
	ToolsUsed              []string `json:"tools_used"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	Frameworks             []string `json:"frameworks"`
	Signature              string   `json:"signature"`
}

// Context carries the request-scoped metadata a Record is filed under.
type Context struct {
	ConversationID string
	TaskID         string // empty when the decision is not task-scoped
	Actor          string
	Frameworks     []string
}

// WORMAppender is the subset of *worm.Log the manager needs; an interface
// to avoid decision<->worm import coupling beyond what's necessary.
type WORMAppender interface {
	Append(kind string, payload any) (uint64, error)
}

// Manager creates and persists Decision Records.
type Manager struct {
	dir    string
	db     *sql.DB
	signer ed25519.PrivateKey
	worm   WORMAppender
}

// New opens (creating if absent) the DR store at dir, backed by a SQLite
// index at dbPath, and signs future records with key.
func New(dir, dbPath string, key ed25519.PrivateKey, worm WORMAppender) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "decision.New", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "decision.New", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS decisions (
		dr_id TEXT PRIMARY KEY,
		decision_type TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		path TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_kind ON decisions(decision_type);
	CREATE INDEX IF NOT EXISTS idx_decisions_conversation ON decisions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, htnerr.New(htnerr.KindUnavailable, "decision.New", err)
	}
	return &Manager{dir: dir, db: db, signer: key, worm: worm}, nil
}

// Close releases the SQLite index handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Record builds, signs, persists, and indexes a Decision Record, then
// emits a `decision.recorded` WORM event. input/plan/result are hashed via
// Canonicalize + SHA-256, so callers may pass any JSON-marshalable value.
func (m *Manager) Record(kind Kind, input, plan, result any, toolsUsed, alternatives []string, ctx Context) (*Record, error) {
	id, err := newDRID()
	if err != nil {
		return nil, htnerr.New(htnerr.KindIntegrity, "decision.Record", err)
	}

	var taskID *string
	if ctx.TaskID != "" {
		taskID = &ctx.TaskID
	}

	rec := &Record{
		DRID:                   id,
		Timestamp:              time.Now().UTC().Format(time.RFC3339Nano),
		Actor:                  ctx.Actor,
		TaskID:                 taskID,
		DecisionType:           kind,
		InputHash:              "sha256:" + hashOf(input),
		PlanHash:               "sha256:" + hashOf(plan),
		ResultHash:             "sha256:" + hashOf(result),
		ToolsUsed:              orEmpty(toolsUsed),
		AlternativesConsidered: orEmpty(alternatives),
		Frameworks:             orEmpty(ctx.Frameworks),
	}

	sigInput, err := canonicalRecordBytes(rec, false)
	if err != nil {
		return nil, htnerr.New(htnerr.KindIntegrity, "decision.Record", err)
	}
	if m.signer != nil {
		rec.Signature = "ed25519:" + hex.EncodeToString(ed25519.Sign(m.signer, sigInput))
	}

	if err := m.persist(rec, ctx); err != nil {
		return nil, err
	}
	if m.worm != nil {
		if _, err := m.worm.Append("decision.recorded", map[string]any{
			"dr_id":         rec.DRID,
			"decision_type": rec.DecisionType,
			"task_id":       ctx.TaskID,
		}); err != nil {
			return rec, htnerr.New(htnerr.KindUnavailable, "decision.Record", err)
		}
	}
	return rec, nil
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func (m *Manager) persist(rec *Record, ctx Context) error {
	path := filepath.Join(m.dir, rec.DRID+".json")
	full, err := canonicalRecordBytes(rec, true)
	if err != nil {
		return htnerr.New(htnerr.KindIntegrity, "decision.persist", err)
	}
	if err := os.WriteFile(path, full, 0o644); err != nil {
		return htnerr.New(htnerr.KindUnavailable, "decision.persist", err)
	}
	_, err = m.db.Exec(
		`INSERT INTO decisions (dr_id, decision_type, task_id, conversation_id, actor, created_at, path) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DRID, string(rec.DecisionType), ctx.TaskID, ctx.ConversationID, rec.Actor, rec.Timestamp, path,
	)
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "decision.persist", err)
	}
	return nil
}

// Load reads a persisted record by DR ID.
func (m *Manager) Load(drID string) (*Record, error) {
	var path string
	err := m.db.QueryRow(`SELECT path FROM decisions WHERE dr_id = ?`, drID).Scan(&path)
	if err != nil {
		return nil, htnerr.New(htnerr.KindNotFound, "decision.Load", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "decision.Load", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, htnerr.New(htnerr.KindIntegrity, "decision.Load", err)
	}
	return &rec, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult string

const (
	VerifyOK           VerifyResult = "ok"
	VerifyBadSignature VerifyResult = "bad_signature"
	VerifyBadHash      VerifyResult = "bad_hash" // reserved: set by callers that recompute input/plan/result hashes independently
)

// Verify checks a record's detached signature against pub. Hash
// recomputation (`bad_hash`) requires the original input/plan/result
// values, which the caller — not the store — holds; VerifyHash below
// performs that half of §4.3's `verify(dr) -> ok | bad_signature |
// bad_hash` contract.
func Verify(rec *Record, pub ed25519.PublicKey) VerifyResult {
	if rec.Signature == "" {
		return VerifyBadSignature
	}
	const prefix = "ed25519:"
	if len(rec.Signature) <= len(prefix) || rec.Signature[:len(prefix)] != prefix {
		return VerifyBadSignature
	}
	sig, err := hex.DecodeString(rec.Signature[len(prefix):])
	if err != nil {
		return VerifyBadSignature
	}
	msg, err := canonicalRecordBytes(rec, false)
	if err != nil {
		return VerifyBadSignature
	}
	if !ed25519.Verify(pub, msg, sig) {
		return VerifyBadSignature
	}
	return VerifyOK
}

// VerifyHash recomputes input/plan/result hashes independently and compares
// them against the persisted record.
func VerifyHash(rec *Record, input, plan, result any) bool {
	return rec.InputHash == "sha256:"+hashOf(input) &&
		rec.PlanHash == "sha256:"+hashOf(plan) &&
		rec.ResultHash == "sha256:"+hashOf(result)
}

func canonicalRecordBytes(rec *Record, withSignature bool) ([]byte, error) {
	cp := *rec
	if !withSignature {
		cp.Signature = ""
	}
	var m map[string]any
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return Canonicalize(m)
}

// Canonicalize serializes v as JSON with map keys sorted at every level and
// fixed number formatting, so that hashing or signing the result is
// independent of field insertion order or encoder quirks.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// normalize converts arbitrary JSON-like data into a form encoding/json
// serializes deterministically (it already sorts map[string]any keys, so
// the remaining job is recursing into slices/maps uniformly).
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Round-trip through JSON so structs/non-map values normalize the
		// same way a map literal of the same shape would.
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, err
		}
		if _, ok := generic.(map[string]any); ok {
			return normalize(generic)
		}
		if _, ok := generic.([]any); ok {
			return normalize(generic)
		}
		return generic, nil
	}
}

func hashOf(v any) string {
	b, err := Canonicalize(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newDRID() (string, error) {
	ts := strftime.Format("%Y%m%d-%H%M%S", time.Now().UTC())
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 8)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return fmt.Sprintf("DR-%s-%s", ts, suffix), nil
}
