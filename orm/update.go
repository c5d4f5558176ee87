package orm

import (
	"context"
	"database/sql"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

type opKind uint8

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// operation 一个实体的一次写入
type operation struct {
	kind opKind
	doc  *Document
	// row 要写入的行, 删除时为 nil
	row *Row
	// reports 这条写入会产生一个结果集
	reports bool
	// generated 数据库生成的主键
	generated int64
	// keySet 生成的主键已经写回实体, 事务失败时要撤销
	keySet bool
}

// updateEngine 把工作单元里的变化写成一条命令, 在一个事务里执行
type updateEngine struct {
	core    core
	factory ConnectionFactory
	idmap   *IdentityMap
	uow     *UnitOfWork
	caches  []*CacheExecutor
}

// save 没有变化的时候不访问数据库
func (u *updateEngine) save(ctx context.Context) error {
	ops, err := u.operations()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	cmd := NewCommand(u.core.dialect.quoter())
	w := u.core.dialect.UpdateWriter()
	collections := make([]string, 0, 2)
	for _, op := range ops {
		collections = appendCollection(collections, op.doc.Collection.Name)
		switch op.kind {
		case opInsert:
			err = w.WriteInsert(op.row, cmd)
		case opUpdate:
			err = w.WriteUpdate(op.row, op.doc.Row, cmd)
		case opDelete:
			err = w.WriteDelete(op.doc.Row, cmd)
		}
		if err != nil {
			return err
		}
	}

	conn, err := u.factory.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	err = doTx(ctx, conn, func(ctx context.Context, tx *Tx) error {
		rows, err := query(ctx, tx, u.core, &QueryContext{
			Type:        CommandWrite,
			Builder:     cmd,
			Collections: collections,
		})
		if err != nil {
			return err
		}
		err = u.readResults(rows, ops)
		// 同一个事务里还要执行下一条命令, 结果集必须先关掉
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		return u.writeGeneratedKeys(ctx, tx, ops)
	}, nil)
	if err != nil {
		u.resetGeneratedKeys(ops)
		return err
	}
	if err = u.commit(ctx, ops); err != nil {
		return err
	}
	u.core.logger.Debug("保存完成", zap.Int("operations", len(ops)))
	return nil
}

// operations 插入, 更新, 删除三组, 每组内部保持进入工作单元的顺序
func (u *updateEngine) operations() ([]*operation, error) {
	var inserts, updates, deletes []*operation
	for _, doc := range u.uow.Documents() {
		switch doc.State {
		case New:
			row, err := u.rowOf(doc)
			if err != nil {
				return nil, err
			}
			inserts = append(inserts, &operation{
				kind:    opInsert,
				doc:     doc,
				row:     row,
				reports: doc.Collection.IsKeyComputed && row.Values[0] == nil,
			})
		case Persisted:
			changed := doc.updated
			if !changed {
				var err error
				changed, err = u.core.changeDetector.HasChanged(doc.Row.Document(), doc.Entity)
				if err != nil {
					return nil, err
				}
			}
			if !changed {
				continue
			}
			row, err := u.rowOf(doc)
			if err != nil {
				return nil, err
			}
			updates = append(updates, &operation{kind: opUpdate, doc: doc, row: row, reports: true})
		case Deleted:
			deletes = append(deletes, &operation{kind: opDelete, doc: doc, reports: true})
		}
	}
	ops := make([]*operation, 0, len(inserts)+len(updates)+len(deletes))
	ops = append(ops, inserts...)
	ops = append(ops, updates...)
	return append(ops, deletes...), nil
}

func (u *updateEngine) rowOf(doc *Document) (*Row, error) {
	c := doc.Collection
	var key model.KeyValue
	if c.IsKeyComputed && c.HasDefaultKey(doc.Entity) {
		// 主键由数据库生成, 这里只占位
		key.Values = make([]any, len(c.KeyFields))
	} else {
		var err error
		key, err = c.KeyOf(doc.Entity)
		if err != nil {
			return nil, err
		}
	}
	return buildRow(c, doc.Entity, key, u.core.serializer)
}

// readResults 按写入顺序读取每条写入的结果集
// 并发冲突全部收集之后一起返回
func (u *updateEngine) readResults(rows *sql.Rows, ops []*operation) error {
	var (
		faults error
		first  = true
		more   = true
	)
	for _, op := range ops {
		if !op.reports {
			continue
		}
		if !first && more {
			more = rows.NextResultSet()
		}
		first = false
		var n int64
		found := false
		if more && rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
			found = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
		switch op.kind {
		case opInsert:
			if !found {
				return errs.NewErrMissingGeneratedKey(op.doc.Collection.Name)
			}
			op.generated = n
		default:
			if !found || n == 0 {
				faults = multierr.Append(faults, u.conflict(op))
			}
		}
	}
	return faults
}

// writeGeneratedKeys 新主键写回实体, 重新序列化, 再把带主键的文档写回数据库
// 和插入在同一个事务里, 数据库里不会留下主键为零值的文档
func (u *updateEngine) writeGeneratedKeys(ctx context.Context, tx *Tx, ops []*operation) error {
	var cmd *Command
	w := u.core.dialect.UpdateWriter()
	collections := make([]string, 0, 1)
	for _, op := range ops {
		if op.kind != opInsert || !op.reports {
			continue
		}
		if err := u.setGeneratedKey(op); err != nil {
			return err
		}
		if cmd == nil {
			cmd = NewCommand(u.core.dialect.quoter())
		}
		if err := w.WriteDocument(op.row, cmd); err != nil {
			return err
		}
		collections = appendCollection(collections, op.doc.Collection.Name)
	}
	if cmd == nil {
		return nil
	}
	rows, err := query(ctx, tx, u.core, &QueryContext{
		Type:        CommandWrite,
		Builder:     cmd,
		Collections: collections,
	})
	if err != nil {
		return err
	}
	return rows.Close()
}

func (u *updateEngine) setGeneratedKey(op *operation) error {
	c := op.doc.Collection
	if err := c.SetKey(op.doc.Entity, op.generated); err != nil {
		return err
	}
	op.keySet = true
	key, err := c.KeyOf(op.doc.Entity)
	if err != nil {
		return err
	}
	row, err := buildRow(c, op.doc.Entity, key, u.core.serializer)
	if err != nil {
		return err
	}
	op.row = row
	return nil
}

// resetGeneratedKeys 事务没有提交, 实体回到没有主键的状态, 下次保存重新插入
func (u *updateEngine) resetGeneratedKeys(ops []*operation) {
	for _, op := range ops {
		if !op.keySet {
			continue
		}
		_ = op.doc.Collection.SetKey(op.doc.Entity, int64(0))
		op.keySet = false
	}
}

func (u *updateEngine) conflict(op *operation) error {
	var key model.Key
	if kv, err := op.doc.Row.Key(); err == nil {
		key = kv.Key
	}
	return &ConcurrencyError{
		Collection: op.doc.Collection.Name,
		Key:        key,
		Entity:     op.doc.Entity,
	}
}

// commit 事务提交之后重建工作单元, 更新标识映射, 让缓存失效
func (u *updateEngine) commit(ctx context.Context, ops []*operation) error {
	changed := make(map[*model.Collection][]model.Key, 2)
	for _, op := range ops {
		c := op.doc.Collection
		switch op.kind {
		case opInsert, opUpdate:
			kv, err := op.row.Key()
			if err != nil {
				return err
			}
			op.doc.State = Persisted
			op.doc.Row = op.row
			u.idmap.Add(c, kv.Key, op.doc.Entity)
			if op.kind == opUpdate {
				changed[c] = append(changed[c], kv.Key)
			}
		case opDelete:
			kv, err := op.doc.Row.Key()
			if err != nil {
				return err
			}
			u.idmap.Remove(c, kv.Key)
			changed[c] = append(changed[c], kv.Key)
		}
	}

	docs := u.uow.Documents()
	kept := docs[:0]
	for _, doc := range docs {
		if doc.State != Deleted {
			kept = append(kept, doc)
		}
	}
	u.uow.Reset(kept)

	for c, keys := range changed {
		for _, ce := range u.caches {
			ce.Invalidate(ctx, c, keys)
		}
	}
	return nil
}
