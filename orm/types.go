package orm

import (
	"context"
	"database/sql"
)

// Statement 是最终发往数据库的 SQL 和参数
type Statement struct {
	SQL  string
	Args []any
}

type StatementBuilder interface {
	Build() (*Statement, error)
}

// querier *sql.Conn 和 *sql.Tx 都满足这个接口
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
