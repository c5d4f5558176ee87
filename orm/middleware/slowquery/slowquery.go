package slowquery

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/startdusk/docsession/orm"
)

// SlowCommand 一条超过阈值的命令
// 一批查询或一次保存合并成一条命令, 耗时是整条命令的
type SlowCommand struct {
	Type        string
	Collections []string
	SQL         string
	Duration    time.Duration
}

type MiddlewareBuilder struct {
	// 参数里可能有敏感数据, 只交出 SQL
	logFunc   func(cmd SlowCommand)
	threshold time.Duration
}

func NewMiddlewareBuilder(threshold time.Duration, fn func(cmd SlowCommand)) *MiddlewareBuilder {
	return &MiddlewareBuilder{
		logFunc:   fn,
		threshold: threshold,
	}
}

// NewZapMiddlewareBuilder 慢命令在 warn 级别打印
func NewZapMiddlewareBuilder(threshold time.Duration, l *zap.Logger) *MiddlewareBuilder {
	return NewMiddlewareBuilder(threshold, func(cmd SlowCommand) {
		l.Warn("慢命令",
			zap.String("type", cmd.Type),
			zap.String("collections", strings.Join(cmd.Collections, ",")),
			zap.Duration("duration", cmd.Duration),
			zap.String("sql", cmd.SQL))
	})
}

func (m MiddlewareBuilder) Build() orm.Middleware {
	return func(next orm.Handler) orm.Handler {
		return func(ctx context.Context, qc *orm.QueryContext) *orm.QueryResult {
			start := time.Now()
			res := next(ctx, qc)
			// 读取命令这里只算到第一个结果集返回, 流式读取的时间不在里面
			duration := time.Since(start)
			if duration <= m.threshold || m.logFunc == nil {
				return res
			}
			st, err := qc.Builder.Build()
			if err != nil {
				return res
			}
			m.logFunc(SlowCommand{
				Type:        qc.Type,
				Collections: qc.Collections,
				SQL:         st.SQL,
				Duration:    duration,
			})
			return res
		}
	}
}
