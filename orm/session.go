package orm

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

// Session 一个工作单元: 自己的标识映射, 工作单元, 读取管道
// 同一个主键在会话内只对应一个实例, 会话之间不共享
type Session struct {
	db      *DB
	idmap   *IdentityMap
	uow     *UnitOfWork
	engine  *QueryEngine
	updates *updateEngine
}

// CompositeKey 多列主键的值, 顺序和主键字段的声明顺序一致
type CompositeKey []any

func keyValues(key any) []any {
	if ck, ok := key.(CompositeKey); ok {
		return ck
	}
	return []any{key}
}

// Add 新实体在下一次 SaveChanges 时插入
// 主键已知的话立刻进入标识映射, 同一个会话里按主键能读到它
func (s *Session) Add(entity any) error {
	c, err := s.db.r.Get(entity)
	if err != nil {
		return err
	}
	if c.IsKeyComputed && c.HasDefaultKey(entity) {
		return s.uow.Add(c, entity)
	}
	kv, err := c.KeyOf(entity)
	if err != nil {
		return err
	}
	if existing, ok := s.idmap.Get(c, kv.Key); ok && existing != entity {
		return fmt.Errorf("%w: 主键 %s 已经对应另一个实例, 集合: %s", errs.ErrInvalidState, kv.Key, c.Name)
	}
	if err = s.uow.Add(c, entity); err != nil {
		return err
	}
	s.idmap.Add(c, kv.Key, entity)
	return nil
}

// Update 显式标记更新, 不调用的话由变更检测决定
func (s *Session) Update(entity any) error {
	return s.uow.Update(entity)
}

// Delete 没有保存过的新实体直接丢弃
func (s *Session) Delete(entity any) error {
	doc, err := s.uow.Delete(entity)
	if err != nil {
		return err
	}
	if doc.State != NotAttached {
		return nil
	}
	if kv, err := doc.Collection.KeyOf(entity); err == nil {
		if existing, ok := s.idmap.Get(doc.Collection, kv.Key); ok && existing == entity {
			s.idmap.Remove(doc.Collection, kv.Key)
		}
	}
	return nil
}

func (s *Session) State(entity any) DocumentState {
	return s.uow.State(entity)
}

// SaveChanges 先把读取器清干净, 再在一个事务里写入所有变化
// 并发冲突以聚合错误返回, 用 errors.Is(err, ErrConcurrency) 判断
func (s *Session) SaveChanges(ctx context.Context) error {
	if s.updates.factory == nil {
		return errs.ErrNoPersistence
	}
	if err := s.engine.EnsureClean(ctx); err != nil {
		return err
	}
	return s.updates.save(ctx)
}

// Close 释放读取器和连接, 没读的结果丢弃
func (s *Session) Close() error {
	return s.engine.Close()
}

func collectionOf[T any](s *Session) (*model.Collection, reflect.Type, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	c, err := s.db.r.GetByType(typ)
	if err != nil {
		return nil, nil, err
	}
	return c, typ, nil
}

// NewKeyQuery 多列主键用 CompositeKey
func NewKeyQuery[T any](s *Session, key any, opts ...QueryOption) (*KeyQuery, error) {
	c, _, err := collectionOf[T](s)
	if err != nil {
		return nil, err
	}
	kv, err := c.NewKey(keyValues(key)...)
	if err != nil {
		return nil, err
	}
	return newKeyQuery(c, kv, opts...), nil
}

func NewMultipleKeyQuery[T any](s *Session, keys []any, opts ...QueryOption) (*MultipleKeyQuery, error) {
	c, _, err := collectionOf[T](s)
	if err != nil {
		return nil, err
	}
	kvs := make([]model.KeyValue, 0, len(keys))
	for _, key := range keys {
		kv, err := c.NewKey(keyValues(key)...)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return newMultipleKeyQuery(c, kvs, opts...), nil
}

// NewEntityQuery T 是基类型的时候, 查询所有能赋值给 T 的具体类型
func NewEntityQuery[T any](s *Session, opts ...QueryOption) (*EntityQuery, error) {
	c, typ, err := collectionOf[T](s)
	if err != nil {
		return nil, err
	}
	types := c.Discriminators(typ)
	if len(types) == c.TypeCount() {
		// 集合里所有类型都要, 不需要过滤
		types = nil
	}
	return newEntityQuery(c, types, opts...), nil
}

// Fetch 立刻执行(连同排队中的查询), 返回只能遍历一次的结果
func Fetch[T any](ctx context.Context, s *Session, q Query) (iter.Seq2[T, error], error) {
	return GetResult[T](ctx, s.engine, q)
}

// Get 主键不存在返回 false, 不是错误
func Get[T any](ctx context.Context, s *Session, key any, opts ...QueryOption) (T, bool, error) {
	var zero T
	q, err := NewKeyQuery[T](s, key, opts...)
	if err != nil {
		return zero, false, err
	}
	return single(Fetch[T](ctx, s, q))
}

// GetMulti 结果按 keys 的顺序, 没有找到的主键跳过
func GetMulti[T any](ctx context.Context, s *Session, keys []any, opts ...QueryOption) ([]T, error) {
	q, err := NewMultipleKeyQuery[T](s, keys, opts...)
	if err != nil {
		return nil, err
	}
	return collect(Fetch[T](ctx, s, q))
}

// List 执行条件查询并读出所有结果
func List[T any](ctx context.Context, s *Session, q *EntityQuery) ([]T, error) {
	return collect(Fetch[T](ctx, s, q))
}

func collect[T any](seq iter.Seq2[T, error], err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	var res []T
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// single 读完整个序列, 这样下层读到的行能回填到缓存
func single[T any](seq iter.Seq2[T, error], err error) (T, bool, error) {
	var (
		res   T
		found bool
	)
	if err != nil {
		return res, false, err
	}
	for t, err := range seq {
		if err != nil {
			var zero T
			return zero, false, err
		}
		if !found {
			res, found = t, true
		}
	}
	return res, found, nil
}
