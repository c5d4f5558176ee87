package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/startdusk/docsession/orm"
)

func TestOpenTelemetry(t *testing.T) {
	boom := errors.New("boom")
	m := MiddlewareBuilder{Tracer: trace.NewNoopTracerProvider().Tracer("test")}
	var spanCtx context.Context
	h := m.Build()(func(ctx context.Context, qc *orm.QueryContext) *orm.QueryResult {
		spanCtx = ctx
		return &orm.QueryResult{Err: boom}
	})
	cmd := orm.NewCommand('`')
	cmd.WriteString("SELECT 1")
	cmd.EndStatement()
	ctx := context.Background()
	res := h(ctx, &orm.QueryContext{Type: orm.CommandSelect, Builder: cmd, Collections: []string{"blog"}})
	assert.Equal(t, boom, res.Err)
	// 下游拿到的是带 span 的 context
	assert.NotEqual(t, ctx, spanCtx)
}
