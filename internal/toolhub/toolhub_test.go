package toolhub

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(EchoTool{})

	tool, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("expected echo to be registered")
	}
	if tool.Describe().Name != "echo" {
		t.Fatalf("unexpected descriptor name %q", tool.Describe().Name)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected lookup of unregistered tool to fail")
	}
}

func TestRegistryDescriptors(t *testing.T) {
	r := NewRegistry()
	for _, tool := range ReferenceTools() {
		r.Register(tool)
	}
	descs := r.Descriptors()
	if len(descs) != 3 {
		t.Fatalf("expected 3 reference tool descriptors, got %d", len(descs))
	}
}

func TestValidateArgsRequired(t *testing.T) {
	spec := map[string]ArgSpec{"path": {Type: "string", Required: true}}
	if problems := validateArgs(spec, map[string]any{}); len(problems) == 0 {
		t.Fatal("expected a problem for missing required argument")
	}
	if problems := validateArgs(spec, map[string]any{"path": "a.txt"}); len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
}

func TestValidateArgsType(t *testing.T) {
	spec := map[string]ArgSpec{"n": {Type: "number", Required: true}}
	if problems := validateArgs(spec, map[string]any{"n": "not a number"}); len(problems) == 0 {
		t.Fatal("expected a type-mismatch problem")
	}
	if problems := validateArgs(spec, map[string]any{"n": 3.0}); len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
}

func TestQualifiedName(t *testing.T) {
	d := Descriptor{Name: "echo", Version: "1"}
	if got := d.QualifiedName(); got != "echo@1" {
		t.Fatalf("expected echo@1, got %q", got)
	}
	if got := (Descriptor{Name: "echo"}).QualifiedName(); got != "echo" {
		t.Fatalf("expected bare name when version is empty, got %q", got)
	}
}
