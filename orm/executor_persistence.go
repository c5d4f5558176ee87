package orm

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/startdusk/docsession/orm/internal/errs"
)

// ConnectionFactory 每次持久化往返获取一个连接, 读取结束后关闭(归还连接池)
type ConnectionFactory interface {
	Connect(ctx context.Context) (*sql.Conn, error)
}

// DBConnectionFactory 直接从 *sql.DB 的连接池里拿连接
type DBConnectionFactory struct {
	DB *sql.DB
}

func (f DBConnectionFactory) Connect(ctx context.Context) (*sql.Conn, error) {
	return f.DB.Conn(ctx)
}

type queryState uint8

const (
	// stateUnread 结果集还在读取器里, 没有人读过
	stateUnread queryState = iota
	// stateBuffered 结果集被跳过, 已经整体读进内存
	stateBuffered
	// stateStreaming 已经交给调用方, 正在(或曾经)直接从读取器读
	stateStreaming
	// stateConsumed 已经交给调用方, 不能再取
	stateConsumed
)

type pendingQuery struct {
	q     Query
	index int
	state queryState
	// buf 被跳过的结果集, streaming 状态下也可能有, 表示剩下的行被提前读出来了
	buf []*Row
	pos int
}

var _ QueryExecutor = &PersistenceExecutor{}

// PersistenceExecutor 把一批查询写成一条多语句命令, 只往返数据库一次
// 调用方可以按任意顺序读取每个查询的结果
// 读取器在同一时刻只有一个使用者, 锁不会跨越 yield
type PersistenceExecutor struct {
	core    core
	factory ConnectionFactory

	mu      sync.Mutex
	conn    *sql.Conn
	rows    *sql.Rows
	pending map[QueryID]*pendingQuery
	// batch 当前命令里的查询, 下标就是结果集的序号
	batch []*pendingQuery
	// current 读取器所在的结果集, 只有在 rows 不为 nil 时有意义
	current   int
	streaming *pendingQuery
	broken    error
}

func NewPersistenceExecutor(c core, factory ConnectionFactory) *PersistenceExecutor {
	return &PersistenceExecutor{
		core:    c,
		factory: factory,
		pending: make(map[QueryID]*pendingQuery, 8),
	}
}

// Execute 持久化层是最后一层, 所有查询都会被执行
func (e *PersistenceExecutor) Execute(ctx context.Context, queries []Query) (*ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken != nil {
		return nil, e.broken
	}
	// 上一批还没有读完的结果先读进内存, 连接才能用来执行新的命令
	if err := e.flushLocked(ctx); err != nil {
		return nil, err
	}

	res := &ExecuteResult{}
	cmd := NewCommand(e.core.dialect.quoter())
	w := e.core.dialect.QueryWriter()
	batch := make([]*pendingQuery, 0, len(queries))
	collections := make([]string, 0, 2)
	for _, q := range queries {
		res.executed(q)
		if err := w.Write(q, cmd); err != nil {
			return nil, err
		}
		batch = append(batch, &pendingQuery{q: q, index: len(batch)})
		collections = appendCollection(collections, q.Collection().Name)
	}
	if len(batch) == 0 {
		return res, nil
	}
	if cmd.Statements() != len(batch) {
		return nil, fmt.Errorf("orm: 写入了 %d 条语句, 期望 %d 条", cmd.Statements(), len(batch))
	}

	conn, err := e.factory.Connect(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range batch {
		e.pending[p.q.ID()] = p
	}
	rows, err := query(ctx, conn, e.core, &QueryContext{
		Type:        CommandSelect,
		Builder:     cmd,
		Collections: collections,
	})
	if err != nil {
		_ = conn.Close()
		for _, p := range batch {
			delete(e.pending, p.q.ID())
		}
		return nil, err
	}
	e.conn = conn
	e.rows = rows
	e.batch = batch
	e.current = 0
	e.core.logger.Debug("执行读取命令",
		zap.Int("queries", len(batch)),
		zap.Strings("collections", collections))
	return res, nil
}

func (e *PersistenceExecutor) Get(ctx context.Context, q Query) (iter.Seq2[*Row, error], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[q.ID()]
	if !ok {
		return nil, newErrQueryNotExecuted("persistence", q)
	}
	if e.broken != nil {
		return nil, e.broken
	}
	switch p.state {
	case stateBuffered:
		p.state = stateConsumed
		delete(e.pending, q.ID())
		return sliceRows(p.buf), nil
	case stateStreaming, stateConsumed:
		return nil, fmt.Errorf("%w, 查询: %s", errs.ErrResultConsumed, q.ID())
	}

	// 跳过前面的结果集, 它们会被读进内存
	if err := e.advanceLocked(ctx, p.index); err != nil {
		return nil, err
	}
	p.state = stateStreaming
	e.streaming = p
	return e.stream(ctx, p), nil
}

// Flush 把还没有读的结果集全部读进内存, 然后释放读取器和连接
func (e *PersistenceExecutor) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken != nil {
		return e.broken
	}
	return e.flushLocked(ctx)
}

// Close 释放读取器和连接, 没有读的结果直接丢弃
func (e *PersistenceExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = make(map[QueryID]*pendingQuery)
	return e.releaseLocked()
}

func (e *PersistenceExecutor) stream(ctx context.Context, p *pendingQuery) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for {
			row, err := e.next(ctx, p)
			if err != nil {
				yield(nil, err)
				return
			}
			if row == nil {
				return
			}
			if !yield(row, nil) {
				e.stop(p)
				return
			}
		}
	}
}

// next 返回 nil, nil 表示结果集读完了
func (e *PersistenceExecutor) next(ctx context.Context, p *pendingQuery) (*Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken != nil {
		return nil, e.broken
	}
	if p.state == stateConsumed {
		return nil, nil
	}
	if e.streaming != p {
		// 其它查询先被读了, 剩下的行已经在内存里
		if p.pos < len(p.buf) {
			row := p.buf[p.pos]
			p.buf[p.pos] = nil
			p.pos++
			return row, nil
		}
		e.finishLocked(p)
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, e.poisonLocked(err)
	}
	if e.rows.Next() {
		return e.scanLocked(p)
	}
	if err := e.rows.Err(); err != nil {
		return nil, e.poisonLocked(err)
	}
	e.finishLocked(p)
	return nil, nil
}

// stop 调用方提前结束遍历
func (e *PersistenceExecutor) stop(p *pendingQuery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked(p)
}

func (e *PersistenceExecutor) finishLocked(p *pendingQuery) {
	p.state = stateConsumed
	p.buf = nil
	delete(e.pending, p.q.ID())
	if e.streaming == p {
		e.streaming = nil
	}
	if e.rows != nil && e.allTakenLocked() {
		_ = e.releaseLocked()
	}
}

// allTakenLocked 当前批次没有需要再从读取器里读的查询
func (e *PersistenceExecutor) allTakenLocked() bool {
	for _, p := range e.batch {
		if p.state == stateUnread || e.streaming == p {
			return false
		}
	}
	return true
}

// advanceLocked 把读取器移动到第 index 个结果集
// 经过的结果集如果还有人要, 就读进内存
func (e *PersistenceExecutor) advanceLocked(ctx context.Context, index int) error {
	if e.rows == nil {
		return e.poisonLocked(errs.NewErrMissingResultSet(index))
	}
	for e.current < index {
		if err := e.drainLocked(ctx, e.batch[e.current]); err != nil {
			return err
		}
		if !e.rows.NextResultSet() {
			if err := e.rows.Err(); err != nil {
				return e.poisonLocked(err)
			}
			return e.poisonLocked(errs.NewErrMissingResultSet(e.current + 1))
		}
		e.current++
	}
	return nil
}

// drainLocked 读取器所在结果集的剩余行放进所属查询的缓冲区
func (e *PersistenceExecutor) drainLocked(ctx context.Context, p *pendingQuery) error {
	switch {
	case p.state == stateUnread:
		p.state = stateBuffered
	case e.streaming == p:
		e.streaming = nil
	default:
		// 已经读完或者调用方放弃了, 剩下的行不要了
		return nil
	}
	for e.rows.Next() {
		if err := ctx.Err(); err != nil {
			return e.poisonLocked(err)
		}
		row, err := e.scanLocked(p)
		if err != nil {
			return err
		}
		p.buf = append(p.buf, row)
	}
	if err := e.rows.Err(); err != nil {
		return e.poisonLocked(err)
	}
	return nil
}

func (e *PersistenceExecutor) flushLocked(ctx context.Context) error {
	if e.rows == nil {
		return nil
	}
	if err := e.advanceLocked(ctx, len(e.batch)-1); err != nil {
		return err
	}
	if err := e.drainLocked(ctx, e.batch[len(e.batch)-1]); err != nil {
		return err
	}
	return e.releaseLocked()
}

func (e *PersistenceExecutor) scanLocked(p *pendingQuery) (*Row, error) {
	c := p.q.Collection()
	vals := make([]any, len(c.Columns()))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := e.rows.Scan(ptrs...); err != nil {
		return nil, e.poisonLocked(err)
	}
	row := newRow(c, vals)
	// 主键统一成字段的类型, 和其它层产生的行保持一致
	kv, err := c.CreateKey(vals)
	if err != nil {
		return nil, e.poisonLocked(err)
	}
	copy(row.Values, kv.Values)
	return row, nil
}

// poisonLocked 读取失败或者被取消之后, 读取器的位置已经不可信
// 整个执行器不再可用
func (e *PersistenceExecutor) poisonLocked(err error) error {
	e.broken = fmt.Errorf("%w: %w", errs.ErrExecutorBroken, err)
	e.streaming = nil
	_ = e.releaseLocked()
	e.core.logger.Warn("持久化读取失败", zap.Error(err))
	return e.broken
}

func (e *PersistenceExecutor) releaseLocked() error {
	var err error
	if e.rows != nil {
		err = e.rows.Close()
		e.rows = nil
	}
	if e.conn != nil {
		if cerr := e.conn.Close(); err == nil {
			err = cerr
		}
		e.conn = nil
	}
	e.batch = nil
	e.current = 0
	return err
}

func appendCollection(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}
