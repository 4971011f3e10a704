package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleet-agent-backend/service/fleetdb"

	"github.com/tmc/langchaingo/llms"
)

// ToolName Agent 可调用的工具集合，封闭枚举
type ToolName string

const (
	ToolListTables ToolName = "list_tables"
	ToolGetSchema  ToolName = "get_schema"
	ToolRunQuery   ToolName = "run_query"
)

// 空结果哨兵值。空集合与“尚未执行”无法区分，下游组织答案时需要明确信号
const emptyResultMessage = "no data available"

// QuerySafetyError 查询未通过只读校验，本轮不会下发数据库
type QuerySafetyError struct {
	Reason string
}

func (e *QuerySafetyError) Error() string {
	return "unsafe query rejected: " + e.Reason
}

// FleetStore 工具执行依赖的车队库操作，由 *fleetdb.TenantSession 实现
type FleetStore interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTables(ctx context.Context, tables []string) (map[string][]fleetdb.ColumnInfo, error)
	QueryRows(ctx context.Context, sql string, maxRows int) (*fleetdb.RowSet, error)
}

// Tools 三个工具适配器，全部运行在绑定了租户范围的会话上
type Tools struct {
	store            FleetStore
	rowLimit         int
	statementTimeout time.Duration
}

func NewTools(store FleetStore, rowLimit int, statementTimeout time.Duration) *Tools {
	return &Tools{
		store:            store,
		rowLimit:         rowLimit,
		statementTimeout: statementTimeout,
	}
}

type getSchemaArgs struct {
	TableNames []string `json:"table_names"`
}

type runQueryArgs struct {
	Query string `json:"query"`
}

// ListTables 返回当前角色可见的表名，逗号分隔
func (t *Tools) ListTables(ctx context.Context) (string, error) {
	tables, err := t.store.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		return emptyResultMessage, nil
	}
	return strings.Join(tables, ", "), nil
}

// GetSchema 返回指定表的建表描述。重复表名去重，未知表名丢弃并附带诊断，
// 上游模型不可信，这里必须自行兜底
func (t *Tools) GetSchema(ctx context.Context, names []string) (string, error) {
	known, err := t.store.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}

	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}

	var valid, unknown []string
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if knownSet[name] {
			valid = append(valid, name)
		} else {
			unknown = append(unknown, name)
		}
	}

	if len(valid) == 0 {
		return fmt.Sprintf("none of the requested tables exist: %s", strings.Join(unknown, ", ")), nil
	}

	schemas, err := t.store.DescribeTables(ctx, valid)
	if err != nil {
		return "", fmt.Errorf("failed to describe tables: %w", err)
	}

	var b strings.Builder
	for _, table := range valid {
		columns, ok := schemas[table]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
		for i, col := range columns {
			b.WriteString("    " + col.Name + " " + col.DataType)
			if !col.Nullable {
				b.WriteString(" NOT NULL")
			}
			if i < len(columns)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(")\n\n")
	}
	if len(unknown) > 0 {
		fmt.Fprintf(&b, "skipped unknown tables: %s\n", strings.Join(unknown, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// RunQuery 只读校验通过后在租户会话上执行查询。空结果返回哨兵值
func (t *Tools) RunQuery(ctx context.Context, sql string) (string, error) {
	if err := checkQuerySafety(sql); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.statementTimeout)
	defer cancel()

	result, err := t.store.QueryRows(ctx, sql, t.rowLimit)
	if err != nil {
		return "", fmt.Errorf("query execution failed: %w", err)
	}

	if len(result.Rows) == 0 {
		return emptyResultMessage, nil
	}
	return formatRowSet(result), nil
}

func formatRowSet(rs *fleetdb.RowSet) string {
	var b strings.Builder
	b.WriteString(strings.Join(rs.Columns, " | "))
	b.WriteString("\n")
	for _, row := range rs.Rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	if rs.Truncated {
		fmt.Fprintf(&b, "(result truncated at %d rows)\n", len(rs.Rows))
	}
	return strings.TrimRight(b.String(), "\n")
}

// checkQuerySafety 拒绝多语句输入与非只读语句。这里只做词法级防线，
// 角色权限与 RLS 才是最终保障
func checkQuerySafety(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &QuerySafetyError{Reason: "empty statement"}
	}

	if containsMultipleStatements(trimmed) {
		return &QuerySafetyError{Reason: "multiple statements are not allowed"}
	}

	verb := leadingVerb(trimmed)
	if verb != "SELECT" && verb != "WITH" {
		return &QuerySafetyError{Reason: fmt.Sprintf("only SELECT statements are allowed, got %q", verb)}
	}

	return nil
}

func leadingVerb(sql string) string {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return strings.ToUpper(strings.Trim(fields[0], "("))
	}
	return ""
}

// containsMultipleStatements 检测字符串与注释之外的分号后是否还有语句
func containsMultipleStatements(sql string) bool {
	var inSingle, inDouble, inLineComment bool
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case inLineComment:
			if ch == '\n' {
				inLineComment = false
			}
		case inSingle:
			if ch == '\'' {
				inSingle = false
			}
		case inDouble:
			if ch == '"' {
				inDouble = false
			}
		case ch == '\'':
			inSingle = true
		case ch == '"':
			inDouble = true
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inLineComment = true
			i++
		case ch == ';':
			rest := strings.TrimSpace(string(runes[i+1:]))
			if rest != "" {
				return true
			}
		}
	}
	return false
}

// getSchemaTool / runQueryTool 暴露给模型的工具定义
func getSchemaToolDef() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        string(ToolGetSchema),
			Description: "Fetch the schema (columns and types) for the given tables.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table_names": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Names of the tables to describe.",
					},
				},
				"required": []string{"table_names"},
			},
		},
	}
}

func runQueryToolDef() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        string(ToolRunQuery),
			Description: "Execute a single read-only SQL query and return the resulting rows.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The SQL query to execute.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

func parseGetSchemaArgs(arguments string) ([]string, error) {
	var args getSchemaArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("failed to parse %s arguments: %v", ToolGetSchema, err)
	}
	return args.TableNames, nil
}

func parseRunQueryArgs(arguments string) (string, error) {
	var args runQueryArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("failed to parse %s arguments: %v", ToolRunQuery, err)
	}
	return args.Query, nil
}
