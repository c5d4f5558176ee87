package orm

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/startdusk/docsession/cache"
	"github.com/startdusk/docsession/orm/model"
)

type DBOption func(db *DB)

// DB 在所有会话之间共享: 元数据, 方言, 中间件, 缓存后端
// 会话自己的状态(标识映射, 工作单元, 读取器)不在这里
type DB struct {
	core
	db      *sql.DB
	factory ConnectionFactory

	memory      []CacheTier
	distributed []CacheTier
	policy      CachePolicy
}

func Open(driver string, dataSourceName string, opts ...DBOption) (*DB, error) {
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, err
	}

	return OpenDB(db, opts...)
}

func OpenDB(db *sql.DB, opts ...DBOption) (*DB, error) {
	newDB := &DB{
		core: core{
			r:              model.NewRegistry(),
			dialect:        DialectMySQL,
			serializer:     JSONSerializer{},
			changeDetector: StringChangeDetector{},
			logger:         zap.NewNop(),
		},
		db:      db,
		factory: DBConnectionFactory{DB: db},
	}

	for _, opt := range opts {
		opt(newDB)
	}

	return newDB, nil
}

func MustOpenDB(db *sql.DB, opts ...DBOption) *DB {
	newDB, err := OpenDB(db, opts...)
	if err != nil {
		panic(err)
	}
	return newDB
}

func MustOpen(driver string, dataSourceName string, opts ...DBOption) *DB {
	newDB, err := Open(driver, dataSourceName, opts...)
	if err != nil {
		panic(err)
	}
	return newDB
}

// Register 注册实体类型, 见 model.WithName, model.WithBase
func (db *DB) Register(entity any, opts ...model.CollectionOption) (*model.Collection, error) {
	return db.r.Register(entity, opts...)
}

func (db *DB) Close() error {
	return db.db.Close()
}

// NewSession 会话不能在多个 goroutine 之间同时使用
func (db *DB) NewSession() *Session {
	idmap := NewIdentityMap()
	uow := NewUnitOfWork()
	tiers := make([]CacheTier, 0, len(db.memory)+len(db.distributed))
	tiers = append(tiers, db.memory...)
	tiers = append(tiers, db.distributed...)
	caches := make([]*CacheExecutor, 0, len(tiers))
	for _, tier := range tiers {
		if tier.Policy == nil {
			tier.Policy = db.policy
		}
		caches = append(caches, NewCacheExecutor(tier, db.logger))
	}
	var persistence *PersistenceExecutor
	if db.factory != nil {
		persistence = NewPersistenceExecutor(db.core, db.factory)
	}
	return &Session{
		db:     db,
		idmap:  idmap,
		uow:    uow,
		engine: newQueryEngine(db.core, idmap, uow, caches, persistence),
		updates: &updateEngine{
			core:    db.core,
			factory: db.factory,
			idmap:   idmap,
			uow:     uow,
			caches:  caches,
		},
	}
}

func DBWithRegistry(r model.Registry) DBOption {
	return func(db *DB) {
		db.r = r
	}
}

func DBWithDialect(dialect Dialect) DBOption {
	return func(db *DB) {
		db.dialect = dialect
	}
}

func DBWithMiddlewares(mdls ...Middleware) DBOption {
	return func(db *DB) {
		db.mdls = append(db.mdls, mdls...)
	}
}

// DBWithMemoryCache 进程内缓存层, 排在所有分布式缓存前面
// policy 可以为 nil, 表示使用 DBWithCachePolicy 的策略
func DBWithMemoryCache(c cache.Cache, policy CachePolicy) DBOption {
	return func(db *DB) {
		db.memory = append(db.memory, CacheTier{Name: "memory", Cache: c, Policy: policy})
	}
}

// DBWithDistributedCache 分布式缓存层, 按调用顺序排在进程内缓存后面
func DBWithDistributedCache(c cache.Cache, policy CachePolicy) DBOption {
	return func(db *DB) {
		db.distributed = append(db.distributed, CacheTier{Name: "distributed", Cache: c, Policy: policy})
	}
}

// DBWithCachePolicy 没有指定策略的缓存层都用它
// 不设置的话缓存层什么都不做
func DBWithCachePolicy(p CachePolicy) DBOption {
	return func(db *DB) {
		db.policy = p
	}
}

func DBWithSerializer(s Serializer) DBOption {
	return func(db *DB) {
		db.serializer = s
	}
}

func DBWithChangeDetector(d ChangeDetector) DBOption {
	return func(db *DB) {
		db.changeDetector = d
	}
}

func DBWithLogger(l *zap.Logger) DBOption {
	return func(db *DB) {
		db.logger = l
	}
}

// DBWithConnectionFactory 传 nil 表示没有持久化层, 只能从缓存读
func DBWithConnectionFactory(f ConnectionFactory) DBOption {
	return func(db *DB) {
		db.factory = f
	}
}
