package orm

import (
	"context"
	"iter"
)

// Future 排队等待批量执行的查询
// 多个 Future 在第一次读取时一起执行, 之后可以按任意顺序读取
type Future[T any] struct {
	s *Session
	q Query
}

func Defer[T any](ctx context.Context, s *Session, q Query) (*Future[T], error) {
	if err := s.engine.Add(ctx, q); err != nil {
		return nil, err
	}
	return &Future[T]{s: s, q: q}, nil
}

func (f *Future[T]) Query() Query {
	return f.q
}

// Result 只能调用一次
func (f *Future[T]) Result(ctx context.Context) (iter.Seq2[T, error], error) {
	return GetResult[T](ctx, f.s.engine, f.q)
}

func (f *Future[T]) List(ctx context.Context) ([]T, error) {
	return collect(f.Result(ctx))
}

// First 只取第一个结果, 剩下的行不再读取
func (f *Future[T]) First(ctx context.Context) (T, bool, error) {
	var zero T
	seq, err := f.Result(ctx)
	if err != nil {
		return zero, false, err
	}
	for t, err := range seq {
		if err != nil {
			return zero, false, err
		}
		return t, true, nil
	}
	return zero, false, nil
}
