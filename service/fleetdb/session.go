package fleetdb

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn 是 TenantSession 依赖的最小连接接口，由 *pgx.Conn 实现
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// 角色名只允许小写字母、数字与下划线。SET ROLE 无法使用参数绑定，
// 拼接前必须通过该校验
var roleNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// TenantSession 将一条独占的 Postgres 连接绑定到 (角色, 车队) 上。
// 绑定完成后，该连接上执行的所有查询都受角色权限与 RLS 谓词约束。
// 连接不回归任何共享池，杜绝会话状态跨请求泄漏。
type TenantSession struct {
	conn             Conn
	role             string
	fleetID          string
	statementTimeout time.Duration

	bound bool
}

func NewTenantSession(conn Conn, role, fleetID string, statementTimeout time.Duration) *TenantSession {
	return &TenantSession{
		conn:             conn,
		role:             role,
		fleetID:          fleetID,
		statementTimeout: statementTimeout,
	}
}

func (s *TenantSession) Role() string {
	return s.role
}

func (s *TenantSession) FleetID() string {
	return s.fleetID
}

func (s *TenantSession) StatementTimeout() time.Duration {
	return s.statementTimeout
}

// Bind 依次执行语句超时、角色切换、车队范围三条会话指令。
// 任意一条失败即返回 *SessionBindError，调用方必须丢弃该连接。
func (s *TenantSession) Bind(ctx context.Context) error {
	if !roleNamePattern.MatchString(s.role) {
		return &SessionBindError{
			Directive: "SET ROLE",
			Err:       fmt.Errorf("invalid role name: %q", s.role),
		}
	}

	timeoutMS := strconv.FormatInt(s.statementTimeout.Milliseconds(), 10)
	if _, err := s.conn.Exec(ctx, "SET statement_timeout = "+timeoutMS); err != nil {
		return &SessionBindError{Directive: "SET statement_timeout", Err: err}
	}

	if _, err := s.conn.Exec(ctx, "SET ROLE "+s.role); err != nil {
		return &SessionBindError{Directive: "SET ROLE", Err: err}
	}

	// RLS 策略通过 current_setting('app.fleet_id') 读取该会话变量
	if _, err := s.conn.Exec(ctx, "SELECT set_config('app.fleet_id', $1, false)", s.fleetID); err != nil {
		return &SessionBindError{Directive: "set_config app.fleet_id", Err: err}
	}

	s.bound = true
	return nil
}

// Verify 回读会话的实际角色与车队变量，与绑定值比对。
// 返回 false 时调用方必须重新绑定，绝不能在当前状态下执行查询。
func (s *TenantSession) Verify(ctx context.Context) bool {
	if !s.bound {
		return false
	}

	var currentRole, currentFleet string
	err := s.conn.QueryRow(ctx,
		"SELECT current_user, COALESCE(current_setting('app.fleet_id', true), '')").
		Scan(&currentRole, &currentFleet)
	if err != nil {
		slog.Warn("Failed to read tenant session state", "err", err)
		return false
	}

	return currentRole == s.role && currentFleet == s.fleetID
}

// ColumnInfo 表的单列描述
type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

// ListTables 返回当前角色可见的 public 模式下的全部表名，按名称排序
func (s *TenantSession) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = 'public' ORDER BY tablename")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTables 返回各表的列定义，键为表名
func (s *TenantSession) DescribeTables(ctx context.Context, tables []string) (map[string][]ColumnInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ANY($1)
		ORDER BY table_name, ordinal_position`, tables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schemas := make(map[string][]ColumnInfo)
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, err
		}
		schemas[table] = append(schemas[table], ColumnInfo{
			Name:     column,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return schemas, rows.Err()
}

// RowSet 查询结果，行数达到上限时截断并标记
type RowSet struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// QueryRows 在绑定的会话上执行一条查询，最多读取 maxRows 行
func (s *TenantSession) QueryRows(ctx context.Context, sql string, maxRows int) (*RowSet, error) {
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &RowSet{}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}

	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]string, 0, len(values))
		for _, v := range values {
			if v == nil {
				row = append(row, "NULL")
				continue
			}
			row = append(row, fmt.Sprint(v))
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *TenantSession) Close(ctx context.Context) {
	if err := s.conn.Close(ctx); err != nil {
		slog.Warn("Failed to close tenant session connection", "err", err)
	}
}
