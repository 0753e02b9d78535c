package mission

import (
	"strings"
	"testing"
)

const sampleBlueprint = `
name: release v2
pattern: checkpointed
phases:
  - name: plan
  - name: build
    code_phase: true
    meta:
      run: "make build"
  - name: docs
    skip_on_failure: true
`

func TestParseBlueprint(t *testing.T) {
	b, err := ParseBlueprint([]byte(sampleBlueprint))
	if err != nil {
		t.Fatalf("ParseBlueprint: %v", err)
	}
	if b.Name != "release v2" {
		t.Errorf("name = %q", b.Name)
	}
	if b.Pattern != "checkpointed" {
		t.Errorf("pattern = %q", b.Pattern)
	}
	if len(b.Phases) != 3 {
		t.Fatalf("phases = %d, want 3", len(b.Phases))
	}
	if !b.Phases[1].CodePhase {
		t.Error("build phase lost code_phase flag")
	}
	if b.Phases[1].Meta["run"] != "make build" {
		t.Errorf("build meta = %v", b.Phases[1].Meta)
	}
	if !b.Phases[2].SkipOnFailure {
		t.Error("docs phase lost skip_on_failure flag")
	}
}

func TestParseBlueprintRejectsMissingPieces(t *testing.T) {
	cases := map[string]string{
		"no name":      "phases:\n  - name: plan\n",
		"no phases":    "name: demo\n",
		"unnamed step": "name: demo\nphases:\n  - skip_on_failure: true\n",
	}
	for label, doc := range cases {
		if _, err := ParseBlueprint([]byte(doc)); err == nil {
			t.Errorf("%s: accepted invalid blueprint", label)
		}
	}
}

func TestParseBlueprintRejectsMalformedYAML(t *testing.T) {
	if _, err := ParseBlueprint([]byte("name: [unclosed")); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("err = %v, want parse error", err)
	}
}
