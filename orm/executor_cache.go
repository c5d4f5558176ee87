package orm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/startdusk/docsession/cache"
	"github.com/startdusk/docsession/orm/model"
)

// CachePolicy 决定一个集合是否缓存以及缓存多久
type CachePolicy interface {
	// Expiration ok 为 false 表示这个集合不缓存
	Expiration(c *model.Collection) (time.Duration, bool)
}

// CollectionCachePolicy 集合名 -> 过期时间, 没有列出的集合不缓存
// "*" 匹配所有集合
type CollectionCachePolicy map[string]time.Duration

func (p CollectionCachePolicy) Expiration(c *model.Collection) (time.Duration, bool) {
	if exp, ok := p[c.Name]; ok {
		return exp, true
	}
	exp, ok := p["*"]
	return exp, ok
}

// CacheTier 一层缓存的配置, 在 DB 上共享
// 每个会话用它创建自己的 CacheExecutor
type CacheTier struct {
	// Name 只用于日志
	Name   string
	Cache  cache.Cache
	Policy CachePolicy
}

var _ QueryExecutor = &CacheExecutor{}

// CacheExecutor 用一个 cache.Cache 回答查询
// 缓存出错一律当作没有命中, 只记日志
type CacheExecutor struct {
	tier   CacheTier
	logger *zap.Logger

	results map[QueryID][]*Row
	res     *ExecuteResult
}

func NewCacheExecutor(tier CacheTier, logger *zap.Logger) *CacheExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheExecutor{
		tier:    tier,
		logger:  logger,
		results: make(map[QueryID][]*Row, 8),
	}
}

func (e *CacheExecutor) Name() string {
	return e.tier.Name
}

func (e *CacheExecutor) Execute(ctx context.Context, queries []Query) (*ExecuteResult, error) {
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

func (e *CacheExecutor) Get(_ context.Context, q Query) (iter.Seq2[*Row, error], error) {
	rows, ok := e.results[q.ID()]
	if !ok {
		return nil, newErrQueryNotExecuted(e.tier.Name, q)
	}
	delete(e.results, q.ID())
	return sliceRows(rows), nil
}

func (e *CacheExecutor) VisitKeyQuery(ctx context.Context, q *KeyQuery) error {
	if _, ok := e.expiration(q); !ok {
		e.res.notExecuted(q)
		return nil
	}
	key := q.Options().CacheKey
	if key == "" {
		key = keyCacheKey(q.Collection(), q.Key.Key)
	}
	rows, hit := e.lookup(ctx, q.Collection(), key)
	if !hit || len(rows) == 0 {
		e.res.notExecuted(q)
		return nil
	}
	e.results[q.ID()] = rows
	e.res.executed(q)
	return nil
}

// VisitMultipleKeyQuery 每个主键一个缓存项, 并发查找
// 显式指定的 CacheKey 对多主键查询没有意义, 忽略
func (e *CacheExecutor) VisitMultipleKeyQuery(ctx context.Context, q *MultipleKeyQuery) error {
	if _, ok := e.expiration(q); !ok || q.IsEmpty() {
		e.res.notExecuted(q)
		return nil
	}
	c := q.Collection()
	found := make([][]*Row, len(q.Keys))
	var eg errgroup.Group
	for i, k := range q.Keys {
		i, k := i, k
		eg.Go(func() error {
			rows, hit := e.lookup(ctx, c, keyCacheKey(c, k.Key))
			if hit && len(rows) > 0 {
				found[i] = rows
			}
			return nil
		})
	}
	_ = eg.Wait()

	var (
		rows    []*Row
		hits    []model.KeyValue
		missing []model.KeyValue
	)
	for i, k := range q.Keys {
		if found[i] == nil {
			missing = append(missing, k)
			continue
		}
		hits = append(hits, k)
		rows = append(rows, found[i]...)
	}
	switch {
	case len(missing) == 0:
		e.results[q.ID()] = rows
		e.res.executed(q)
	case len(hits) == 0:
		e.res.notExecuted(q)
	default:
		executed := q.split(hits)
		e.results[executed.ID()] = rows
		e.res.partial(q, executed, q.split(missing))
	}
	return nil
}

// VisitEntityQuery 整个结果集一个缓存项, 空结果也是合法的结果
func (e *CacheExecutor) VisitEntityQuery(ctx context.Context, q *EntityQuery) error {
	if _, ok := e.expiration(q); !ok {
		e.res.notExecuted(q)
		return nil
	}
	key, err := entityCacheKey(q)
	if err != nil {
		return err
	}
	rows, hit := e.lookup(ctx, q.Collection(), key)
	if !hit {
		e.res.notExecuted(q)
		return nil
	}
	e.results[q.ID()] = rows
	e.res.executed(q)
	return nil
}

// Store 把下层读到的行写回缓存, 失败只记日志
func (e *CacheExecutor) Store(ctx context.Context, q Query, rows []*Row) {
	exp, ok := e.expiration(q)
	if !ok {
		return
	}
	_ = q.Accept(ctx, &cacheStore{e: e, rows: rows, exp: exp})
}

var _ QueryVisitor = &cacheStore{}

type cacheStore struct {
	e    *CacheExecutor
	rows []*Row
	exp  time.Duration
}

func (s *cacheStore) VisitKeyQuery(ctx context.Context, q *KeyQuery) error {
	// 没有找到的主键不缓存
	if len(s.rows) == 0 {
		return nil
	}
	key := q.Options().CacheKey
	if key == "" {
		key = keyCacheKey(q.Collection(), q.Key.Key)
	}
	s.e.set(ctx, key, s.rows, s.exp)
	return nil
}

func (s *cacheStore) VisitMultipleKeyQuery(ctx context.Context, q *MultipleKeyQuery) error {
	var eg errgroup.Group
	for _, row := range s.rows {
		row := row
		eg.Go(func() error {
			kv, err := row.Key()
			if err != nil {
				s.e.logger.Warn("缓存行没有合法的主键", zap.String("tier", s.e.tier.Name), zap.Error(err))
				return nil
			}
			s.e.set(ctx, keyCacheKey(q.Collection(), kv.Key), []*Row{row}, s.exp)
			return nil
		})
	}
	return eg.Wait()
}

func (s *cacheStore) VisitEntityQuery(ctx context.Context, q *EntityQuery) error {
	key, err := entityCacheKey(q)
	if err != nil {
		s.e.logger.Warn("计算缓存键失败", zap.String("tier", s.e.tier.Name), zap.Error(err))
		return nil
	}
	s.e.set(ctx, key, s.rows, s.exp)
	return nil
}

// Invalidate 保存之后删除受影响实体的主键缓存
// 条件查询的缓存没法精确失效, 依赖过期时间
func (e *CacheExecutor) Invalidate(ctx context.Context, c *model.Collection, keys []model.Key) {
	if e.tier.Policy == nil {
		return
	}
	if _, ok := e.tier.Policy.Expiration(c); !ok {
		return
	}
	for _, k := range keys {
		if err := e.tier.Cache.Delete(ctx, keyCacheKey(c, k)); err != nil {
			e.logger.Warn("删除缓存失败",
				zap.String("tier", e.tier.Name),
				zap.String("collection", c.Name),
				zap.Error(err))
		}
	}
}

func (e *CacheExecutor) expiration(q Query) (time.Duration, bool) {
	opts := q.Options()
	if opts.NoCache || e.tier.Policy == nil {
		return 0, false
	}
	exp, ok := e.tier.Policy.Expiration(q.Collection())
	if !ok {
		return 0, false
	}
	if opts.CacheExpiration > 0 {
		exp = opts.CacheExpiration
	}
	return exp, true
}

func (e *CacheExecutor) lookup(ctx context.Context, c *model.Collection, key string) ([]*Row, bool) {
	val, err := e.tier.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrKeyNotFound) {
			e.logger.Warn("读取缓存失败", zap.String("tier", e.tier.Name), zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var data []byte
	switch v := val.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		e.logger.Warn("缓存值类型不对", zap.String("tier", e.tier.Name), zap.String("key", key))
		return nil, false
	}
	rows, err := decodeRows(c, data)
	if err != nil {
		e.logger.Warn("缓存值解码失败", zap.String("tier", e.tier.Name), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return rows, true
}

func (e *CacheExecutor) set(ctx context.Context, key string, rows []*Row, exp time.Duration) {
	data, err := encodeRows(rows)
	if err != nil {
		e.logger.Warn("缓存值编码失败", zap.String("tier", e.tier.Name), zap.String("key", key), zap.Error(err))
		return
	}
	if err = e.tier.Cache.Set(ctx, key, data, exp); err != nil {
		e.logger.Warn("写入缓存失败", zap.String("tier", e.tier.Name), zap.String("key", key), zap.Error(err))
	}
}

func keyCacheKey(c *model.Collection, key model.Key) string {
	return fmt.Sprintf("%s:k:%s", c.Name, key)
}

// entityCacheKey 显式指定的优先, 否则用查询结构的哈希
func entityCacheKey(q *EntityQuery) (string, error) {
	if key := q.Options().CacheKey; key != "" {
		return key, nil
	}
	fp, err := q.fingerprint()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:q:%016x", q.Collection().Name, xxhash.Sum64String(fp)), nil
}

type cachedRows struct {
	Rows [][]any `json:"rows"`
}

func encodeRows(rows []*Row) ([]byte, error) {
	cr := cachedRows{Rows: make([][]any, 0, len(rows))}
	for _, r := range rows {
		cr.Rows = append(cr.Rows, r.Values)
	}
	return json.Marshal(cr)
}

// decodeRows 数字用 json.Number 解出来, 再按主键字段的类型还原
func decodeRows(c *model.Collection, data []byte) ([]*Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cr cachedRows
	if err := dec.Decode(&cr); err != nil {
		return nil, err
	}
	res := make([]*Row, 0, len(cr.Rows))
	for _, vals := range cr.Rows {
		if len(vals) != len(c.Columns()) {
			return nil, fmt.Errorf("orm: 缓存行有 %d 列, 集合 %s 需要 %d 列", len(vals), c.Name, len(c.Columns()))
		}
		kv, err := c.CreateKey(vals)
		if err != nil {
			return nil, err
		}
		copy(vals, kv.Values)
		res = append(res, &Row{Collection: c, Values: vals})
	}
	return res, nil
}
