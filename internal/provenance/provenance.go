// Package provenance implements the Provenance Tracker (§4.4): a
// per-conversation W3C-PROV-JSON graph of entities, activities, and agents,
// built incrementally in memory and written exactly once on Finalize.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
)

// EntityType distinguishes the kind of artifact an entity node represents.
type EntityType string

const (
	EntityPrompt   EntityType = "prompt"
	EntityResponse EntityType = "response"
	EntityArtifact EntityType = "artifact"
)

// ActivityType distinguishes the kind of process an activity node represents.
type ActivityType string

const (
	ActivityGenerate ActivityType = "generate"
	ActivityExecute  ActivityType = "execute"
	ActivityVerify   ActivityType = "verify"
)

// AgentType distinguishes the kind of responsible party an agent node
// represents.
type AgentType string

const (
	AgentUser  AgentType = "user"
	AgentAgent AgentType = "agent"
	AgentTool  AgentType = "tool"
)

type entityNode struct {
	Type       EntityType `json:"prov:type"`
	Label      string     `json:"prov:label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type activityNode struct {
	Type      ActivityType `json:"prov:type"`
	StartedAt string       `json:"prov:startTime"`
	EndedAt   string       `json:"prov:endTime,omitempty"`
}

type agentNode struct {
	Type AgentType `json:"prov:type"`
}

type usedRel struct {
	Activity string `json:"prov:activity"`
	Entity   string `json:"prov:entity"`
}

type generatedByRel struct {
	Entity   string `json:"prov:entity"`
	Activity string `json:"prov:activity"`
}

type associatedWithRel struct {
	Activity string `json:"prov:activity"`
	Agent    string `json:"prov:agent"`
}

type derivedFromRel struct {
	GeneratedEntity string `json:"prov:generatedEntity"`
	UsedEntity      string `json:"prov:usedEntity"`
}

// Graph is the PROV-JSON document shape from §6, keyed by node/relation ID.
type Graph struct {
	Entity            map[string]entityNode        `json:"entity"`
	Activity          map[string]activityNode      `json:"activity"`
	Agent             map[string]agentNode         `json:"agent"`
	Used              map[string]usedRel           `json:"used"`
	WasGeneratedBy    map[string]generatedByRel    `json:"wasGeneratedBy"`
	WasAssociatedWith map[string]associatedWithRel `json:"wasAssociatedWith"`
	WasDerivedFrom    map[string]derivedFromRel    `json:"wasDerivedFrom"`
}

func newGraph() *Graph {
	return &Graph{
		Entity:            map[string]entityNode{},
		Activity:          map[string]activityNode{},
		Agent:             map[string]agentNode{},
		Used:              map[string]usedRel{},
		WasGeneratedBy:    map[string]generatedByRel{},
		WasAssociatedWith: map[string]associatedWithRel{},
		WasDerivedFrom:    map[string]derivedFromRel{},
	}
}

// Tracker builds one Graph for a single conversation. It is safe for
// concurrent use; once Finalize has run the tracker rejects further writes.
type Tracker struct {
	mu             sync.Mutex
	conversationID string
	dir            string
	graph          *Graph
	seq            int
	finalized      bool
}

// New creates a Tracker that will write its finalized graph to
// <dir>/<conversationID>.json.
func New(dir, conversationID string) *Tracker {
	return &Tracker{conversationID: conversationID, dir: dir, graph: newGraph()}
}

func (t *Tracker) nextID(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s:%s-%d", prefix, t.conversationID, t.seq)
}

// StartGeneration records a `generate` activity driven by an agent, that
// used a prompt entity, and returns (activityID, promptEntityID) for use
// in later calls.
func (t *Tracker) StartGeneration(agentType AgentType, agentID, promptText string) (activityID, entityID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", "", htnerr.New(htnerr.KindConflict, "provenance.StartGeneration", errFinalized)
	}

	entityID = t.nextID("entity")
	activityID = t.nextID("activity")

	t.graph.Entity[entityID] = entityNode{Type: EntityPrompt, Label: truncate(promptText, 256)}
	t.graph.Agent[agentID] = agentNode{Type: agentType}
	t.graph.Activity[activityID] = activityNode{Type: ActivityGenerate, StartedAt: now()}
	t.graph.Used[t.nextID("rel-used")] = usedRel{Activity: activityID, Entity: entityID}
	t.graph.WasAssociatedWith[t.nextID("rel-assoc")] = associatedWithRel{Activity: activityID, Agent: agentID}

	return activityID, entityID, nil
}

// AddToolActivity records an `execute` activity performed by a tool agent
// that used usedEntityIDs and produced a new artifact entity, returning the
// new entity's ID.
func (t *Tracker) AddToolActivity(toolAgentID string, usedEntityIDs []string, resultLabel string, attrs map[string]any) (entityID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", htnerr.New(htnerr.KindConflict, "provenance.AddToolActivity", errFinalized)
	}

	activityID := t.nextID("activity")
	entityID = t.nextID("entity")

	t.graph.Agent[toolAgentID] = agentNode{Type: AgentTool}
	t.graph.Activity[activityID] = activityNode{Type: ActivityExecute, StartedAt: now(), EndedAt: now()}
	t.graph.WasAssociatedWith[t.nextID("rel-assoc")] = associatedWithRel{Activity: activityID, Agent: toolAgentID}
	for _, used := range usedEntityIDs {
		t.graph.Used[t.nextID("rel-used")] = usedRel{Activity: activityID, Entity: used}
	}
	t.graph.Entity[entityID] = entityNode{Type: EntityArtifact, Label: truncate(resultLabel, 256), Attributes: attrs}
	t.graph.WasGeneratedBy[t.nextID("rel-gen")] = generatedByRel{Entity: entityID, Activity: activityID}
	for _, used := range usedEntityIDs {
		t.graph.WasDerivedFrom[t.nextID("rel-deriv")] = derivedFromRel{GeneratedEntity: entityID, UsedEntity: used}
	}

	return entityID, nil
}

// AddArtifact records a standalone artifact entity (e.g. a verification
// report or final response) derived from derivedFromIDs.
func (t *Tracker) AddArtifact(entityType EntityType, label string, derivedFromIDs []string, attrs map[string]any) (entityID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", htnerr.New(htnerr.KindConflict, "provenance.AddArtifact", errFinalized)
	}

	entityID = t.nextID("entity")
	t.graph.Entity[entityID] = entityNode{Type: entityType, Label: truncate(label, 256), Attributes: attrs}
	for _, src := range derivedFromIDs {
		t.graph.WasDerivedFrom[t.nextID("rel-deriv")] = derivedFromRel{GeneratedEntity: entityID, UsedEntity: src}
	}
	return entityID, nil
}

// Finalize writes the accumulated graph to disk exactly once and marks the
// tracker closed to further mutation. Calling Finalize again is a no-op
// that returns the same path.
func (t *Tracker) Finalize() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", htnerr.New(htnerr.KindUnavailable, "provenance.Finalize", err)
	}
	path := filepath.Join(t.dir, t.conversationID+".json")
	if t.finalized {
		return path, nil
	}

	data, err := json.MarshalIndent(t.graph, "", "  ")
	if err != nil {
		return "", htnerr.New(htnerr.KindIntegrity, "provenance.Finalize", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", htnerr.New(htnerr.KindUnavailable, "provenance.Finalize", err)
	}
	t.finalized = true
	return path, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var errFinalized = fmt.Errorf("provenance graph already finalized")
