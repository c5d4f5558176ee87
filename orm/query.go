package orm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/startdusk/docsession/orm/model"
)

// QueryID 是查询的身份, 整个管道都用它做 key
// 同样的条件查两次是两个不同的查询, 除非复用同一个查询实例
type QueryID string

type QueryOptions struct {
	// NoCache 为 true 时所有缓存层都不处理这个查询
	NoCache bool
	// CacheKey 显式指定缓存 key, 为空时由缓存层计算
	CacheKey string
	// CacheExpiration 显式指定过期时间, 为 0 时使用集合的缓存策略
	CacheExpiration time.Duration
	// NoTracking 为 true 时还原出来的实体不进入标识映射和工作单元
	NoTracking bool
}

type QueryOption func(o *QueryOptions)

func QueryWithoutCache() QueryOption {
	return func(o *QueryOptions) {
		o.NoCache = true
	}
}

func QueryWithCacheKey(key string) QueryOption {
	return func(o *QueryOptions) {
		o.CacheKey = key
	}
}

func QueryWithCacheExpiration(expiration time.Duration) QueryOption {
	return func(o *QueryOptions) {
		o.CacheExpiration = expiration
	}
}

func QueryWithoutTracking() QueryOption {
	return func(o *QueryOptions) {
		o.NoTracking = true
	}
}

// Query 是对读取意图的描述, 只有 *KeyQuery, *MultipleKeyQuery, *EntityQuery 三种
// 入队之后就不再修改
type Query interface {
	ID() QueryID
	Collection() *model.Collection
	Options() QueryOptions
	// Accept 根据查询的具体类型调用 visitor 对应的方法
	Accept(ctx context.Context, v QueryVisitor) error

	// keyOrder 结果需要按这个主键顺序返回, nil 表示保持层给出的顺序
	keyOrder() []model.KeyValue
	// resolvesEmpty 不需要经过任何层就知道结果为空
	resolvesEmpty() bool
	sealed()
}

// QueryVisitor 每种查询一个方法, 各层执行器实现它, 不需要做类型判断
type QueryVisitor interface {
	VisitKeyQuery(ctx context.Context, q *KeyQuery) error
	VisitMultipleKeyQuery(ctx context.Context, q *MultipleKeyQuery) error
	VisitEntityQuery(ctx context.Context, q *EntityQuery) error
}

type baseQuery struct {
	id         QueryID
	collection *model.Collection
	opts       QueryOptions
}

func newBaseQuery(c *model.Collection, opts []QueryOption) baseQuery {
	b := baseQuery{
		id:         QueryID(uuid.New().String()),
		collection: c,
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

func (b *baseQuery) ID() QueryID {
	return b.id
}

func (b *baseQuery) Collection() *model.Collection {
	return b.collection
}

func (b *baseQuery) Options() QueryOptions {
	return b.opts
}

func (b *baseQuery) keyOrder() []model.KeyValue {
	return nil
}

func (b *baseQuery) resolvesEmpty() bool {
	return false
}

func (b *baseQuery) sealed() {}

// KeyQuery 按一个主键查询
type KeyQuery struct {
	baseQuery
	Key model.KeyValue
}

func newKeyQuery(c *model.Collection, key model.KeyValue, opts ...QueryOption) *KeyQuery {
	return &KeyQuery{
		baseQuery: newBaseQuery(c, opts),
		Key:       key,
	}
}

func (q *KeyQuery) Accept(ctx context.Context, v QueryVisitor) error {
	return v.VisitKeyQuery(ctx, q)
}

// MultipleKeyQuery 按一组主键查询, 结果按 Keys 的顺序返回
type MultipleKeyQuery struct {
	baseQuery
	Keys []model.KeyValue
}

// newMultipleKeyQuery 重复的主键只保留第一次出现的位置
func newMultipleKeyQuery(c *model.Collection, keys []model.KeyValue, opts ...QueryOption) *MultipleKeyQuery {
	seen := make(map[model.Key]struct{}, len(keys))
	uniq := make([]model.KeyValue, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.Key]; ok {
			continue
		}
		seen[k.Key] = struct{}{}
		uniq = append(uniq, k)
	}
	return &MultipleKeyQuery{
		baseQuery: newBaseQuery(c, opts),
		Keys:      uniq,
	}
}

func (q *MultipleKeyQuery) Accept(ctx context.Context, v QueryVisitor) error {
	return v.VisitMultipleKeyQuery(ctx, q)
}

func (q *MultipleKeyQuery) IsEmpty() bool {
	return len(q.Keys) == 0
}

func (q *MultipleKeyQuery) keyOrder() []model.KeyValue {
	return q.Keys
}

func (q *MultipleKeyQuery) resolvesEmpty() bool {
	return q.IsEmpty()
}

// split 拆出一个只包含部分主键的子查询, 子查询有自己的身份
func (q *MultipleKeyQuery) split(keys []model.KeyValue) *MultipleKeyQuery {
	return &MultipleKeyQuery{
		baseQuery: baseQuery{
			id:         QueryID(uuid.New().String()),
			collection: q.collection,
			opts:       q.opts,
		},
		Keys: keys,
	}
}

// EntityQuery 按条件查询
type EntityQuery struct {
	baseQuery
	where   []Predicate
	orderBy []OrderBy
	limit   int
	offset  int
	// types 为空表示不按类型过滤
	types []string
}

func newEntityQuery(c *model.Collection, types []string, opts ...QueryOption) *EntityQuery {
	sort.Strings(types)
	return &EntityQuery{
		baseQuery: newBaseQuery(c, opts),
		types:     types,
	}
}

func (q *EntityQuery) Accept(ctx context.Context, v QueryVisitor) error {
	return v.VisitEntityQuery(ctx, q)
}

func (q *EntityQuery) Where(ps ...Predicate) *EntityQuery {
	q.where = ps
	return q
}

func (q *EntityQuery) OrderBy(obs ...OrderBy) *EntityQuery {
	q.orderBy = obs
	return q
}

func (q *EntityQuery) Limit(limit int) *EntityQuery {
	q.limit = limit
	return q
}

func (q *EntityQuery) Offset(offset int) *EntityQuery {
	q.offset = offset
	return q
}

// predicate 把多个条件用 AND 连起来
func (q *EntityQuery) predicate() (Predicate, bool) {
	if len(q.where) == 0 {
		return Predicate{}, false
	}
	p := q.where[0]
	for i := 1; i < len(q.where); i++ {
		p = p.And(q.where[i])
	}
	return p, true
}

// fingerprint 条件, 排序, 分页, 类型过滤的结构化描述
func (q *EntityQuery) fingerprint() (string, error) {
	var sb strings.Builder
	sb.WriteString("where:")
	if p, ok := q.predicate(); ok {
		if err := writeFingerprint(&sb, p); err != nil {
			return "", err
		}
	}
	sb.WriteString(";order:")
	for _, ob := range q.orderBy {
		sb.WriteString(ob.col.name)
		if ob.desc {
			sb.WriteString(" desc")
		}
		sb.WriteByte(',')
	}
	fmt.Fprintf(&sb, ";limit:%d;offset:%d;types:%s", q.limit, q.offset, strings.Join(q.types, ","))
	return sb.String(), nil
}
