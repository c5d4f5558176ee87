package orm

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/startdusk/docsession/orm/model"
)

type core struct {
	dialect        Dialect
	r              model.Registry
	serializer     Serializer
	changeDetector ChangeDetector
	logger         *zap.Logger

	mdls []Middleware
}

// query 让命令经过中间件链, 最终在 sess 上执行
func query(ctx context.Context, sess querier, c core, qc *QueryContext) (*sql.Rows, error) {
	var root Handler = func(ctx context.Context, qc *QueryContext) *QueryResult {
		return queryHandler(ctx, sess, qc)
	}
	for i := len(c.mdls) - 1; i >= 0; i-- {
		root = c.mdls[i](root)
	}
	res := root(ctx, qc)
	rows, _ := res.Result.(*sql.Rows)
	if res.Err != nil {
		if rows != nil {
			_ = rows.Close()
		}
		return nil, res.Err
	}
	return rows, nil
}

func queryHandler(ctx context.Context, sess querier, qc *QueryContext) *QueryResult {
	qr := &QueryResult{}
	st, err := qc.Builder.Build()
	if err != nil {
		qr.Err = err
		return qr
	}
	rows, err := sess.QueryContext(ctx, st.SQL, st.Args...)
	qr.Result = rows
	qr.Err = err
	return qr
}
