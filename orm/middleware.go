package orm

import (
	"context"
)

const (
	// CommandSelect 一批读取合并成的命令
	CommandSelect = "SELECT"
	// CommandWrite 一次保存合并成的命令
	CommandWrite = "WRITE"
)

type QueryContext struct {
	// Type 声明命令类型 即 SELECT 和 WRITE
	Type string

	// Builder 使用的时候, 大多数情况下你需要转换到具体的类型才能篡改查询
	Builder StatementBuilder

	// Collections 命令涉及的集合名, 按首次出现的顺序
	Collections []string
}

type Middleware func(next Handler) Handler

type Handler func(ctx context.Context, qc *QueryContext) *QueryResult

type QueryResult struct {
	// Result 正常情况下是 *sql.Rows
	Result any
	Err    error
}
