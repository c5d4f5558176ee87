package safedml

import (
	"context"
	"fmt"
	"strings"

	"github.com/startdusk/docsession/orm"
)

// 强制要执行的写命令里
// UPDATE, DELETE 必须带 WHERE
// 自带的方言总是满足, 这里防的是自定义的 UpdateWriter
type MiddlewareBuilder struct {
}

func NewMiddlewareBuilder() *MiddlewareBuilder {
	return &MiddlewareBuilder{}
}

func (m MiddlewareBuilder) Build() orm.Middleware {
	return func(next orm.Handler) orm.Handler {
		return func(ctx context.Context, qc *orm.QueryContext) *orm.QueryResult {
			if qc.Type != orm.CommandWrite {
				return next(ctx, qc)
			}
			q, err := qc.Builder.Build()
			if err != nil {
				return &orm.QueryResult{
					Err: err,
				}
			}
			for _, stmt := range strings.Split(q.SQL, ";") {
				stmt = strings.TrimSpace(stmt)
				upper := strings.ToUpper(stmt)
				if !strings.HasPrefix(upper, "UPDATE") && !strings.HasPrefix(upper, "DELETE") {
					continue
				}
				if !strings.Contains(upper, " WHERE ") {
					return &orm.QueryResult{
						Err: fmt.Errorf("禁止执行没有WHERE的语句: %s", stmt),
					}
				}
			}
			return next(ctx, qc)
		}
	}
}
