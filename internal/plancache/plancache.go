// Package plancache implements the fingerprint-indexed, bounded Plan Cache
// (§4.9): an LRU+TTL cache over serialized Plans backed by SQLite,
// grounded in the teacher's internal/store persistence style (a schema
// applied once, parameterized queries). The cache opens its own *sql.DB
// handle on the database file it is given.
package plancache

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/planner"
)

// storedTask is the serializable projection of graph.Task persisted
// alongside a cached Plan — enough to rebuild the TaskGraph on a hit.
type storedTask struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Action         string              `json:"action"`
	Arguments      map[string]any      `json:"arguments"`
	Prerequisites  []string            `json:"prerequisites"`
	Priority       graph.Priority      `json:"priority"`
	SideEffect     graph.SideEffect    `json:"side_effect"`
	ResourceKey    string              `json:"resource_key"`
	Commutative    bool                `json:"commutative"`
	MaxRetries     int                 `json:"max_retries"`
}

type storedPlan struct {
	Query       string             `json:"query"`
	RootGoal    string             `json:"root_goal"`
	Strategy    planner.Strategy   `json:"strategy"`
	Confidence  float64            `json:"confidence"`
	Reasoning   string             `json:"reasoning"`
	Fingerprint string             `json:"fingerprint"`
	Tasks       []storedTask       `json:"tasks"`
}

// Cache is a fingerprint-keyed LRU cache with TTL eviction (§4.9: "Cache
// entries are evicted by least-recent-use; TTL bounds staleness").
type Cache struct {
	db         *sql.DB
	maxEntries int
	ttl        time.Duration
}

// Open opens (creating if absent) the cache's SQLite-backed store at
// dbPath.
func Open(dbPath string, maxEntries int, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeStorageError, "plancache.Open", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS plan_cache (
		fingerprint TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plan_cache_last_used ON plan_cache(last_used_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeStorageError, "plancache.Open", err)
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Cache{db: db, maxEntries: maxEntries, ttl: ttl}, nil
}

// Close releases the underlying SQLite handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached Plan for fingerprint, if present and not expired,
// bumping its last-used timestamp (LRU). Callers must still re-run policy
// validation on a hit (§4.9: "Cache hits still re-run policy validation").
func (c *Cache) Get(fingerprint string) (*planner.Plan, bool) {
	var payload string
	var createdAt time.Time
	err := c.db.QueryRow(`SELECT payload, created_at FROM plan_cache WHERE fingerprint = ?`, fingerprint).Scan(&payload, &createdAt)
	if err != nil {
		return nil, false
	}
	if c.ttl > 0 && time.Since(createdAt) > c.ttl {
		_, _ = c.db.Exec(`DELETE FROM plan_cache WHERE fingerprint = ?`, fingerprint)
		return nil, false
	}

	var sp storedPlan
	if err := json.Unmarshal([]byte(payload), &sp); err != nil {
		return nil, false
	}
	_, _ = c.db.Exec(`UPDATE plan_cache SET last_used_at = ? WHERE fingerprint = ?`, time.Now().UTC(), fingerprint)
	return sp.toPlan(), true
}

// Put inserts or refreshes p under its fingerprint, then evicts the
// least-recently-used entries beyond maxEntries.
func (c *Cache) Put(p *planner.Plan) error {
	sp := fromPlan(p)
	payload, err := json.Marshal(sp)
	if err != nil {
		return htnerr.New(htnerr.KindValidation, "plancache.Put", err)
	}
	now := time.Now().UTC()
	_, err = c.db.Exec(
		`INSERT INTO plan_cache (fingerprint, payload, created_at, last_used_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET payload = excluded.payload, last_used_at = excluded.last_used_at`,
		p.Fingerprint, string(payload), now, now,
	)
	if err != nil {
		return htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeStorageError, "plancache.Put", err)
	}
	return c.evictExcess()
}

func (c *Cache) evictExcess() error {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM plan_cache`).Scan(&count); err != nil {
		return htnerr.New(htnerr.KindUnavailable, "plancache.evictExcess", err)
	}
	if count <= c.maxEntries {
		return nil
	}
	excess := count - c.maxEntries
	_, err := c.db.Exec(`DELETE FROM plan_cache WHERE fingerprint IN (
		SELECT fingerprint FROM plan_cache ORDER BY last_used_at ASC LIMIT ?)`, excess)
	if err != nil {
		return htnerr.New(htnerr.KindUnavailable, "plancache.evictExcess", err)
	}
	return nil
}

// Len reports the current entry count, used by tests asserting the bound.
func (c *Cache) Len() int {
	var count int
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM plan_cache`).Scan(&count)
	return count
}

func fromPlan(p *planner.Plan) storedPlan {
	tasks := p.Graph.AllTasks()
	st := make([]storedTask, 0, len(tasks))
	for _, t := range tasks {
		st = append(st, storedTask{
			ID: t.ID, Name: t.Name, Action: t.Action, Arguments: t.Arguments,
			Prerequisites: t.Prerequisites, Priority: t.Priority, SideEffect: t.SideEffect,
			ResourceKey: t.ResourceKey, Commutative: t.Commutative, MaxRetries: t.MaxRetries,
		})
	}
	return storedPlan{
		Query: p.Graph.Query, RootGoal: p.Graph.RootGoal, Strategy: p.Strategy,
		Confidence: p.Confidence, Reasoning: p.Reasoning, Fingerprint: p.Fingerprint, Tasks: st,
	}
}

func (sp storedPlan) toPlan() *planner.Plan {
	g := graph.New(sp.Query, sp.RootGoal, string(sp.Strategy))
	byID := make(map[string]storedTask, len(sp.Tasks))
	for _, t := range sp.Tasks {
		byID[t.ID] = t
	}
	order := topoOrderStored(sp.Tasks)
	for _, id := range order {
		t := byID[id]
		_ = g.Add(graph.Task{
			ID: t.ID, Name: t.Name, Action: t.Action, Arguments: t.Arguments,
			Priority: t.Priority, SideEffect: t.SideEffect, MaxRetries: t.MaxRetries,
		}, t.Prerequisites)
		g.SetHints(t.ID, t.Commutative, t.ResourceKey)
	}
	return &planner.Plan{
		Graph: g, Strategy: sp.Strategy, Confidence: sp.Confidence,
		Reasoning: sp.Reasoning, Fingerprint: sp.Fingerprint,
	}
}

// topoOrderStored computes insertion order for rebuilding a graph so every
// prerequisite is added before its dependents (graph.Add rejects forward
// references to not-yet-existing tasks).
func topoOrderStored(tasks []storedTask) []string {
	inDeg := make(map[string]int, len(tasks))
	deps := make(map[string][]string)
	for _, t := range tasks {
		if _, ok := inDeg[t.ID]; !ok {
			inDeg[t.ID] = 0
		}
		inDeg[t.ID] += len(t.Prerequisites)
		for _, p := range t.Prerequisites {
			deps[p] = append(deps[p], t.ID)
		}
	}
	var frontier []string
	for id, d := range inDeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	var order []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, dep := range deps[id] {
			inDeg[dep]--
			if inDeg[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}
	return order
}
