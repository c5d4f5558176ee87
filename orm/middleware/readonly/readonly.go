package readonly

import (
	"context"
	"errors"

	"github.com/startdusk/docsession/orm"
)

var ErrReadOnly = errors.New("orm: 只读模式, 禁止写入")

// MiddlewareBuilder 拒绝所有写命令, 用于只读副本或者维护窗口
type MiddlewareBuilder struct {
}

func NewMiddlewareBuilder() *MiddlewareBuilder {
	return &MiddlewareBuilder{}
}

func (m MiddlewareBuilder) Build() orm.Middleware {
	return func(next orm.Handler) orm.Handler {
		return func(ctx context.Context, qc *orm.QueryContext) *orm.QueryResult {
			if qc.Type == orm.CommandWrite {
				return &orm.QueryResult{
					Err: ErrReadOnly,
				}
			}
			return next(ctx, qc)
		}
	}
}
