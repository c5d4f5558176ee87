package orm

import (
	"context"
	"iter"

	"github.com/startdusk/docsession/orm/model"
)

var _ QueryExecutor = &IdentityMapExecutor{}

// IdentityMapExecutor 用会话里已经存在的实例回答主键查询
// 条件查询没法在这一层回答
type IdentityMapExecutor struct {
	idmap      *IdentityMap
	uow        *UnitOfWork
	serializer Serializer

	results map[QueryID][]*Row
	res     *ExecuteResult
}

func NewIdentityMapExecutor(idmap *IdentityMap, uow *UnitOfWork, serializer Serializer) *IdentityMapExecutor {
	return &IdentityMapExecutor{
		idmap:      idmap,
		uow:        uow,
		serializer: serializer,
		results:    make(map[QueryID][]*Row, 8),
	}
}

func (e *IdentityMapExecutor) Execute(ctx context.Context, queries []Query) (*ExecuteResult, error) {
	e.res = &ExecuteResult{}
	defer func() {
		e.res = nil
	}()
	for _, q := range queries {
		if err := q.Accept(ctx, e); err != nil {
			return nil, err
		}
	}
	return e.res, nil
}

func (e *IdentityMapExecutor) Get(_ context.Context, q Query) (iter.Seq2[*Row, error], error) {
	rows, ok := e.results[q.ID()]
	if !ok {
		return nil, newErrQueryNotExecuted("identity", q)
	}
	delete(e.results, q.ID())
	return sliceRows(rows), nil
}

func (e *IdentityMapExecutor) VisitKeyQuery(_ context.Context, q *KeyQuery) error {
	if q.Options().NoTracking {
		e.res.notExecuted(q)
		return nil
	}
	row, ok, err := e.lookup(q.Collection(), q.Key)
	if err != nil {
		return err
	}
	if !ok {
		e.res.notExecuted(q)
		return nil
	}
	e.results[q.ID()] = row
	e.res.executed(q)
	return nil
}

func (e *IdentityMapExecutor) VisitMultipleKeyQuery(_ context.Context, q *MultipleKeyQuery) error {
	if q.Options().NoTracking {
		e.res.notExecuted(q)
		return nil
	}
	var (
		rows    []*Row
		found   []model.KeyValue
		missing []model.KeyValue
	)
	for _, k := range q.Keys {
		row, ok, err := e.lookup(q.Collection(), k)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, k)
			continue
		}
		found = append(found, k)
		rows = append(rows, row...)
	}
	switch {
	case len(missing) == 0:
		e.results[q.ID()] = rows
		e.res.executed(q)
	case len(found) == 0:
		e.res.notExecuted(q)
	default:
		executed := q.split(found)
		e.results[executed.ID()] = rows
		e.res.partial(q, executed, q.split(missing))
	}
	return nil
}

func (e *IdentityMapExecutor) VisitEntityQuery(_ context.Context, q *EntityQuery) error {
	e.res.notExecuted(q)
	return nil
}

// lookup 已删除的实体算作命中但没有行, 这样它不会再从下面的层被读出来
func (e *IdentityMapExecutor) lookup(c *model.Collection, key model.KeyValue) ([]*Row, bool, error) {
	entity, ok := e.idmap.Get(c, key.Key)
	if !ok {
		return nil, false, nil
	}
	doc, tracked := e.uow.Get(entity)
	if tracked && doc.State == Deleted {
		return nil, true, nil
	}
	if tracked && doc.Row != nil {
		return []*Row{doc.Row}, true, nil
	}
	// 还没保存的新实体没有行, 用当前的值构造一行
	row, err := buildRow(c, entity, key, e.serializer)
	if err != nil {
		return nil, false, err
	}
	return []*Row{row}, true, nil
}

// buildRow 用实体的当前值构造一行
func buildRow(c *model.Collection, entity any, key model.KeyValue, s Serializer) (*Row, error) {
	doc, err := s.Serialize(entity)
	if err != nil {
		return nil, err
	}
	typ, err := c.Discriminator(entity)
	if err != nil {
		return nil, err
	}
	vals := make([]any, 0, len(c.Columns()))
	vals = append(vals, key.Values...)
	vals = append(vals, doc, typ)
	return &Row{Collection: c, Values: vals}, nil
}
