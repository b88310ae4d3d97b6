package policy

import (
	"testing"

	"github.com/antigravity-dev/htnguard/internal/graph"
)

type fakePlan struct {
	depth     int
	taskCount int
	tools     []string
	dangerous []string
}

func (f fakePlan) Depth() int                 { return f.depth }
func (f fakePlan) TaskCount() int             { return f.taskCount }
func (f fakePlan) ToolNames() []string        { return f.tools }
func (f fakePlan) DangerousToolNames() []string { return f.dangerous }

func TestValidateQueryEmpty(t *testing.T) {
	g := New(Default(), nil)
	out := g.ValidateQuery("", "conv-1")
	if out.Valid {
		t.Fatal("expected empty query to be invalid")
	}
	if len(out.Errors) == 0 {
		t.Fatal("expected at least one error")
	}
}

func TestValidateQueryForbiddenPattern(t *testing.T) {
	rules := Default()
	rules.ForbiddenPatterns = []string{`(?i)password is \S+`}
	rules.StrictMode = true
	g := New(rules, nil)

	out := g.ValidateQuery("my password is hunter2", "conv-1")
	if out.Valid {
		t.Fatal("expected forbidden pattern to invalidate the query")
	}
	if !g.StrictMode() {
		t.Fatal("expected strict mode to be on")
	}
}

func TestValidateQueryPIIIsWarningOnly(t *testing.T) {
	rules := Default()
	rules.PIIPatterns = []string{`\b\d{3}-\d{2}-\d{4}\b`}
	g := New(rules, nil)

	out := g.ValidateQuery("my SSN is 123-45-6789", "conv-1")
	if !out.Valid {
		t.Fatal("PII alone should only warn, not invalidate")
	}
	if len(out.Warnings) == 0 {
		t.Fatal("expected a PII warning")
	}
}

func TestValidateQueryTooLong(t *testing.T) {
	rules := Default()
	rules.MaxQueryLength = 10
	g := New(rules, nil)

	out := g.ValidateQuery("this query is far longer than ten characters", "conv-1")
	if out.Valid {
		t.Fatal("expected over-length query to be invalid")
	}
}

func TestValidatePlanDepthAndToolCount(t *testing.T) {
	rules := Default()
	rules.MaxPlanDepth = 2
	rules.MaxToolCount = 1
	g := New(rules, nil)

	out := g.ValidatePlan(fakePlan{depth: 3, taskCount: 2, tools: []string{"a", "b"}}, "conv-1")
	if out.Valid {
		t.Fatal("expected plan exceeding depth and tool count caps to be invalid")
	}
	if len(out.Errors) != 2 {
		t.Fatalf("expected 2 errors (depth + tool count), got %d: %v", len(out.Errors), out.Errors)
	}
}

func TestValidatePlanDenyAndAllowList(t *testing.T) {
	rules := Default()
	rules.ToolDenyList = []string{"dangerous_tool"}
	rules.ToolAllowList = []string{"file_read"}
	g := New(rules, nil)

	out := g.ValidatePlan(fakePlan{tools: []string{"dangerous_tool", "file_read", "unlisted_tool"}}, "conv-1")
	if out.Valid {
		t.Fatal("expected deny-listed and non-allow-listed tools to invalidate the plan")
	}
	if len(out.Errors) != 2 {
		t.Fatalf("expected 2 errors (deny + not-allowed), got %d: %v", len(out.Errors), out.Errors)
	}
}

func TestValidatePlanApprovalRequiredIsWarning(t *testing.T) {
	rules := Default()
	rules.ApprovalRequiredTools = []string{"send_email"}
	g := New(rules, nil)

	out := g.ValidatePlan(fakePlan{tools: []string{"send_email"}}, "conv-1")
	if !out.Valid {
		t.Fatal("approval-required alone should not invalidate the plan")
	}
	if len(out.Warnings) != 1 {
		t.Fatalf("expected one ApprovalRequired warning, got %v", out.Warnings)
	}
}

func TestAuditExecutionCriticalFailure(t *testing.T) {
	g := New(Default(), nil)
	out := g.AuditExecution(map[string]any{"failed_critical": true}, "conv-1")
	if out.Valid {
		t.Fatal("expected a critical failure to invalidate the audit outcome")
	}
}

func TestCheckToolCallDenyList(t *testing.T) {
	rules := Default()
	rules.ToolDenyList = []string{"rm_rf"}
	g := New(rules, nil)

	allowed, reason, approval := g.CheckToolCall("rm_rf", nil, graph.Dangerous)
	if allowed || reason == "" || approval {
		t.Fatalf("expected deny-listed tool to be blocked, got allowed=%v reason=%q approval=%v", allowed, reason, approval)
	}
}

func TestCheckToolCallDangerousWithoutAuthorizedRole(t *testing.T) {
	g := New(Default(), nil)
	allowed, _, _ := g.CheckToolCall("shell_exec", nil, graph.Dangerous)
	if allowed {
		t.Fatal("expected dangerous-class tool to be blocked when no role is authorized")
	}
}

func TestCheckToolCallApprovalRequired(t *testing.T) {
	rules := Default()
	rules.ApprovalRequiredTools = []string{"send_email"}
	g := New(rules, nil)

	allowed, _, approval := g.CheckToolCall("send_email", nil, graph.Network)
	if !allowed || !approval {
		t.Fatalf("expected approval-required tool to be allowed-but-gated, got allowed=%v approval=%v", allowed, approval)
	}
}

func TestSetRulesRecompilesPatterns(t *testing.T) {
	g := New(Default(), nil)
	g.SetRules(&RuleSet{ForbiddenPatterns: []string{"secret"}, StrictMode: true})

	out := g.ValidateQuery("this is a secret message", "conv-1")
	if out.Valid {
		t.Fatal("expected swapped-in forbidden pattern to take effect")
	}
}

func TestViolationErr(t *testing.T) {
	if ViolationErr("op", &Outcome{Valid: true}) != nil {
		t.Fatal("expected nil error for a valid outcome")
	}
	if ViolationErr("op", &Outcome{Valid: false, Errors: []string{"boom"}}) == nil {
		t.Fatal("expected a non-nil error for an invalid outcome")
	}
}
