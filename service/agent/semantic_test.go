package agent

import (
	"strings"
	"testing"
)

func TestSemanticMapRendering(t *testing.T) {
	rendered := SemanticMap()
	if rendered == "" {
		t.Fatal("semantic map is empty")
	}

	lines := strings.Split(rendered, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "- '") {
			t.Fatalf("line %d = %q, want term entry", i, line)
		}
		if !strings.Contains(line, " → [") || !strings.HasSuffix(line, "]") {
			t.Fatalf("line %d = %q, want column list", i, line)
		}
	}

	if !strings.Contains(rendered, "- 'SOC'. Battery state of charge in percent. → [") {
		t.Fatalf("missing SOC entry:\n%s", rendered)
	}
	if !strings.Contains(rendered, "raw_telemetry.soc_pct") {
		t.Fatalf("missing SOC column reference:\n%s", rendered)
	}

	// 渲染顺序与源文件中的术语顺序一致
	soc := strings.Index(rendered, "'SOC'")
	maintenance := strings.Index(rendered, "'maintenance'")
	if soc < 0 || maintenance < 0 || soc > maintenance {
		t.Fatalf("term order not preserved: SOC at %d, maintenance at %d", soc, maintenance)
	}
}

func TestSemanticMapEmbeddedInPrompts(t *testing.T) {
	rendered := SemanticMap()

	for name, prompt := range map[string]string{
		"get_schema":     getSchemaPrompt(),
		"generate_query": generateQueryPrompt(100, 10),
	} {
		if !strings.Contains(prompt, rendered) {
			t.Fatalf("%s prompt does not embed the semantic map", name)
		}
	}
}

func TestGenerateQueryPromptLimits(t *testing.T) {
	prompt := generateQueryPrompt(5000, 10)
	if !strings.Contains(prompt, "5000") {
		t.Fatalf("prompt missing row limit:\n%s", prompt)
	}
	if !strings.Contains(prompt, "10") {
		t.Fatalf("prompt missing time limit:\n%s", prompt)
	}
}
