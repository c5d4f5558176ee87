package orm

import (
	"context"
	"fmt"
	"iter"

	"github.com/startdusk/docsession/orm/internal/errs"
)

// QueryExecutor 是管道里的一层
type QueryExecutor interface {
	// Execute 只用本层的状态尽可能多地执行查询
	// 不认识的查询放进 NotExecuted, 不算错误
	Execute(ctx context.Context, queries []Query) (*ExecuteResult, error)
	// Get 返回最近一次 Execute 为 q 产生的行
	// q 没有被本层执行过属于编程错误, 返回 ErrQueryNotExecuted
	Get(ctx context.Context, q Query) (iter.Seq2[*Row, error], error)
}

// PartialExecution 多主键查询只命中了一部分主键
// Executed 由本层负责, Remaining 继续往下一层走
type PartialExecution struct {
	Original  *MultipleKeyQuery
	Executed  *MultipleKeyQuery
	Remaining *MultipleKeyQuery
}

// ExecuteResult 三个集合互不相交
type ExecuteResult struct {
	Executed    []Query
	Partial     []PartialExecution
	NotExecuted []Query
}

func (r *ExecuteResult) executed(q Query) {
	r.Executed = append(r.Executed, q)
}

func (r *ExecuteResult) notExecuted(q Query) {
	r.NotExecuted = append(r.NotExecuted, q)
}

func (r *ExecuteResult) partial(orig, executed, remaining *MultipleKeyQuery) {
	r.Partial = append(r.Partial, PartialExecution{
		Original:  orig,
		Executed:  executed,
		Remaining: remaining,
	})
}

func newErrQueryNotExecuted(tier string, q Query) error {
	return fmt.Errorf("%w, 层: %s, 查询: %s", errs.ErrQueryNotExecuted, tier, q.ID())
}

// sliceRows 把已经在内存里的行包装成序列
func sliceRows(rows []*Row) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func errRows(err error) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		yield(nil, err)
	}
}
