package agent

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
)

const sqlDialect = "PostgreSQL"

var (
	//go:embed prompts/get_schema.txt
	getSchemaPromptText string

	//go:embed prompts/generate_query.txt
	generateQueryPromptText string

	//go:embed prompts/check_query.txt
	checkQueryPromptText string
)

var (
	getSchemaPromptTmpl     *template.Template
	generateQueryPromptTmpl *template.Template
	checkQueryPromptTmpl    *template.Template
)

func init() {
	getSchemaPromptTmpl = template.Must(template.New("get_schema").Parse(getSchemaPromptText))
	generateQueryPromptTmpl = template.Must(template.New("generate_query").Parse(generateQueryPromptText))
	checkQueryPromptTmpl = template.Must(template.New("check_query").Parse(checkQueryPromptText))
}

type promptParams struct {
	Dialect      string
	RowLimit     int
	TimeLimitSec int
	Mappings     string
}

func renderPrompt(tmpl *template.Template, params promptParams) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		// 模板与参数都在进程内固定，执行失败属于编程错误
		panic(fmt.Sprintf("Failed to render prompt %s: %v", tmpl.Name(), err))
	}
	return buf.String()
}

func getSchemaPrompt() string {
	return renderPrompt(getSchemaPromptTmpl, promptParams{
		Mappings: SemanticMap(),
	})
}

func generateQueryPrompt(rowLimit, timeLimitSec int) string {
	return renderPrompt(generateQueryPromptTmpl, promptParams{
		Dialect:      sqlDialect,
		RowLimit:     rowLimit,
		TimeLimitSec: timeLimitSec,
		Mappings:     SemanticMap(),
	})
}

func checkQueryPrompt() string {
	return renderPrompt(checkQueryPromptTmpl, promptParams{
		Dialect: sqlDialect,
	})
}
