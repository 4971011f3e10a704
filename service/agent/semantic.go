package agent

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed semantic_map.yaml
var semanticMapYAML []byte

// 进程启动时加载一次，之后只读
var semanticMap string

func init() {
	rendered, err := renderSemanticMap(semanticMapYAML)
	if err != nil {
		panic(fmt.Sprintf("Failed to load semantic map: %v", err))
	}
	semanticMap = rendered
}

// SemanticMap 返回业务术语到列名的映射文本，嵌入到提示词中
func SemanticMap() string {
	return semanticMap
}

type semanticEntry struct {
	Description string   `yaml:"description"`
	Columns     []string `yaml:"columns"`
}

// renderSemanticMap 按 YAML 中的原始顺序渲染映射表，保证输出确定
func renderSemanticMap(data []byte) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return "", fmt.Errorf("semantic map must be a YAML mapping")
	}

	mapping := doc.Content[0]
	var lines []string
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		term := mapping.Content[i].Value

		var entry semanticEntry
		if err := mapping.Content[i+1].Decode(&entry); err != nil {
			return "", fmt.Errorf("invalid semantic map entry %q: %v", term, err)
		}

		cols := strings.Join(entry.Columns, ", ")
		lines = append(lines, fmt.Sprintf("- '%s'. %s → [%s]", term, entry.Description, cols))
	}

	return strings.Join(lines, "\n"), nil
}
