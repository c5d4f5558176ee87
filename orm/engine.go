package orm

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

// queryNode 查询在管道里的去向
// 被某一层部分执行的多主键查询会拆成 executed 和 remaining 两个子节点
type queryNode struct {
	q Query

	// tier 执行了这个查询的层, 拆分过的节点为 nil
	tier QueryExecutor
	// empty 不经过任何层, 结果为空
	empty bool

	split     bool
	executed  QueryID
	remaining QueryID

	// missed 查过但是没有命中的缓存层, 结果读完之后回填
	missed []*CacheExecutor
	// taken 结果已经交给调用方
	taken bool
}

// QueryEngine 一个会话的读取管道: 标识映射 -> 缓存(按配置顺序) -> 持久化
// 同一时刻只有一个调用方在执行管道
type QueryEngine struct {
	core core
	lock *semaphore.Weighted

	idmap *IdentityMap
	uow   *UnitOfWork

	identity    *IdentityMapExecutor
	caches      []*CacheExecutor
	persistence *PersistenceExecutor

	pending []Query
	nodes   map[QueryID]*queryNode
}

func newQueryEngine(c core, idmap *IdentityMap, uow *UnitOfWork,
	caches []*CacheExecutor, persistence *PersistenceExecutor) *QueryEngine {
	return &QueryEngine{
		core:        c,
		lock:        semaphore.NewWeighted(1),
		idmap:       idmap,
		uow:         uow,
		identity:    NewIdentityMapExecutor(idmap, uow, c.serializer),
		caches:      caches,
		persistence: persistence,
		nodes:       make(map[QueryID]*queryNode, 16),
	}
}

// Add 加入下一批, 不会执行
func (e *QueryEngine) Add(ctx context.Context, q Query) error {
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.lock.Release(1)
	e.addLocked(q)
	return nil
}

func (e *QueryEngine) addLocked(q Query) {
	if _, ok := e.nodes[q.ID()]; ok {
		return
	}
	node := &queryNode{q: q}
	e.nodes[q.ID()] = node
	if q.resolvesEmpty() {
		node.empty = true
		return
	}
	e.pending = append(e.pending, q)
}

// GetResult 返回查询结果的惰性序列, 只能遍历一次
// 查询还没有被任何层解决的话, 先清空持久化层的读取器, 再执行整个批次
func GetResult[T any](ctx context.Context, e *QueryEngine, q Query) (iter.Seq2[T, error], error) {
	rows, err := e.rows(ctx, q)
	if err != nil {
		return nil, err
	}
	tracking := !q.Options().NoTracking
	used := false
	return func(yield func(T, error) bool) {
		var zero T
		if used {
			yield(zero, fmt.Errorf("%w, 查询: %s", errs.ErrResultConsumed, q.ID()))
			return
		}
		used = true
		for row, err := range rows {
			if err != nil {
				yield(zero, err)
				return
			}
			entity, ok, err := e.hydrate(row, tracking)
			if err != nil {
				yield(zero, err)
				return
			}
			if !ok {
				continue
			}
			t, ok := entity.(T)
			if !ok {
				yield(zero, &HydrationError{
					Collection:   row.Collection.Name,
					DocumentType: row.DocumentType(),
					Want:         reflect.TypeOf((*T)(nil)).Elem(),
				})
				return
			}
			if !yield(t, nil) {
				return
			}
		}
	}, nil
}

// EnsureClean 清空读取器, 执行还在排队的查询, 再清空一次
// 写入之前调用, 保证连接上没有读了一半的结果
func (e *QueryEngine) EnsureClean(ctx context.Context) error {
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.lock.Release(1)
	if err := e.flushLocked(ctx); err != nil {
		return err
	}
	if len(e.pending) > 0 {
		if err := e.runLocked(ctx); err != nil {
			return err
		}
	}
	return e.flushLocked(ctx)
}

func (e *QueryEngine) Close() error {
	e.pending = nil
	if e.persistence == nil {
		return nil
	}
	return e.persistence.Close()
}

func (e *QueryEngine) rows(ctx context.Context, q Query) (iter.Seq2[*Row, error], error) {
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.lock.Release(1)

	node, ok := e.nodes[q.ID()]
	if ok && node.taken {
		return nil, fmt.Errorf("%w, 查询: %s", errs.ErrResultConsumed, q.ID())
	}
	if !ok || !e.resolved(node) {
		if err := e.flushLocked(ctx); err != nil {
			return nil, err
		}
		e.addLocked(q)
		if err := e.runLocked(ctx); err != nil {
			return nil, err
		}
		node = e.nodes[q.ID()]
	}
	seq, err := e.nodeRows(ctx, node)
	if err != nil {
		return nil, err
	}
	node.taken = true
	if order := q.keyOrder(); order != nil {
		seq = orderRows(seq, order)
	}
	return seq, nil
}

func (e *QueryEngine) resolved(node *queryNode) bool {
	if node.empty {
		return true
	}
	if node.split {
		return e.resolved(e.nodes[node.executed]) && e.resolved(e.nodes[node.remaining])
	}
	return node.tier != nil
}

// nodeRows 拆分过的查询把两个子查询的行连起来
func (e *QueryEngine) nodeRows(ctx context.Context, node *queryNode) (iter.Seq2[*Row, error], error) {
	if node.empty {
		return sliceRows(nil), nil
	}
	if node.split {
		first, err := e.nodeRows(ctx, e.nodes[node.executed])
		if err != nil {
			return nil, err
		}
		second, err := e.nodeRows(ctx, e.nodes[node.remaining])
		if err != nil {
			return nil, err
		}
		return concatRows(first, second), nil
	}
	if node.tier == nil {
		return nil, fmt.Errorf("%w, 查询: %s", errs.ErrQueryNotExecuted, node.q.ID())
	}
	seq, err := node.tier.Get(ctx, node.q)
	if err != nil {
		return nil, err
	}
	if len(node.missed) > 0 {
		seq = e.populate(ctx, node.q, node.missed, seq)
	}
	return seq, nil
}

func (e *QueryEngine) flushLocked(ctx context.Context) error {
	if e.persistence == nil {
		return nil
	}
	return e.persistence.Flush(ctx)
}

// runLocked 把排队的查询依次交给每一层, 没有被认领的继续往下走
// 失败时没有被解决的查询回到队列, 下一次读取会重新执行
func (e *QueryEngine) runLocked(ctx context.Context) (err error) {
	batch := e.pending
	e.pending = nil
	if len(batch) == 0 {
		return nil
	}
	for _, q := range batch {
		node := e.node(q)
		node.split = false
		node.missed = nil
	}
	defer func() {
		if err == nil {
			return
		}
		for _, q := range batch {
			if !e.resolved(e.nodes[q.ID()]) {
				e.pending = append(e.pending, q)
			}
		}
	}()
	queries, err := e.runTier(ctx, e.identity, nil, batch)
	if err != nil {
		return err
	}
	for _, c := range e.caches {
		if len(queries) == 0 {
			return nil
		}
		queries, err = e.runTier(ctx, c, c, queries)
		if err != nil {
			return err
		}
	}
	if len(queries) == 0 {
		return nil
	}
	if e.persistence == nil {
		return errs.ErrNoPersistence
	}
	e.core.logger.Debug("查询落到持久化层", zap.Int("queries", len(queries)))
	queries, err = e.runTier(ctx, e.persistence, nil, queries)
	if err != nil {
		return err
	}
	if len(queries) > 0 {
		return fmt.Errorf("%w, 持久化层没有执行 %d 个查询", errs.ErrQueryNotExecuted, len(queries))
	}
	return nil
}

// runTier 返回需要交给下一层的查询
// c 不为 nil 表示这一层是缓存, 没命中的查询记下来等着回填
func (e *QueryEngine) runTier(ctx context.Context, tier QueryExecutor, c *CacheExecutor, queries []Query) ([]Query, error) {
	res, err := tier.Execute(ctx, queries)
	if err != nil {
		return nil, err
	}
	next := make([]Query, 0, len(res.NotExecuted)+len(res.Partial))
	for _, q := range res.Executed {
		e.node(q).tier = tier
	}
	for _, p := range res.Partial {
		orig := e.node(p.Original)
		orig.split = true
		orig.executed = p.Executed.ID()
		orig.remaining = p.Remaining.ID()

		e.node(p.Executed).tier = tier
		remaining := e.node(p.Remaining)
		remaining.missed = append(remaining.missed, orig.missed...)
		if c != nil {
			remaining.missed = append(remaining.missed, c)
		}
		next = append(next, p.Remaining)
	}
	for _, q := range res.NotExecuted {
		if c != nil {
			node := e.node(q)
			node.missed = append(node.missed, c)
		}
		next = append(next, q)
	}
	return next, nil
}

func (e *QueryEngine) node(q Query) *queryNode {
	node, ok := e.nodes[q.ID()]
	if !ok {
		node = &queryNode{q: q}
		e.nodes[q.ID()] = node
	}
	return node
}

// populate 行全部读完之后写回没有命中的缓存层, 提前结束不回填
func (e *QueryEngine) populate(ctx context.Context, q Query, missed []*CacheExecutor, seq iter.Seq2[*Row, error]) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		var rows []*Row
		for row, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			rows = append(rows, row)
			if !yield(row, nil) {
				return
			}
		}
		for _, c := range missed {
			c.Store(ctx, q, rows)
		}
	}
}

// hydrate ok 为 false 表示这一行对应的实体已经被删除, 不返回给调用方
func (e *QueryEngine) hydrate(row *Row, tracking bool) (any, bool, error) {
	c := row.Collection
	kv, err := row.Key()
	if err != nil {
		return nil, false, err
	}
	// 不跟踪的查询也不能读到本会话里已经删除的实体
	if entity, ok := e.idmap.Get(c, kv.Key); ok {
		if e.uow.State(entity) == Deleted {
			return nil, false, nil
		}
		if tracking {
			e.uow.Refresh(entity, row)
			return entity, true, nil
		}
	}
	entity, err := e.deserialize(row)
	if err != nil {
		return nil, false, err
	}
	if tracking {
		e.idmap.Add(c, kv.Key, entity)
		e.uow.Attach(c, entity, row)
	}
	return entity, true, nil
}

func (e *QueryEngine) deserialize(row *Row) (any, error) {
	c := row.Collection
	typ, err := c.Deserialize(row.DocumentType())
	if err != nil {
		return nil, &HydrationError{Collection: c.Name, DocumentType: row.DocumentType(), Err: err}
	}
	entity, err := e.core.serializer.Deserialize(typ, row.Document())
	if err != nil {
		return nil, &HydrationError{Collection: c.Name, DocumentType: row.DocumentType(), Err: err}
	}
	return entity, nil
}

func concatRows(seqs ...iter.Seq2[*Row, error]) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for _, seq := range seqs {
			for row, err := range seq {
				if !yield(row, err) || err != nil {
					return
				}
			}
		}
	}
}

// orderRows 多主键查询的结果按请求的主键顺序返回, 没有找到的主键跳过
// 需要先读完所有的行
func orderRows(seq iter.Seq2[*Row, error], order []model.KeyValue) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		byKey := make(map[model.Key][]*Row, len(order))
		for row, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			kv, err := row.Key()
			if err != nil {
				yield(nil, err)
				return
			}
			byKey[kv.Key] = append(byKey[kv.Key], row)
		}
		for _, k := range order {
			for _, row := range byKey[k.Key] {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}
