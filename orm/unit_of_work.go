package orm

import (
	"fmt"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

type DocumentState uint8

const (
	NotAttached DocumentState = iota
	New
	Persisted
	Deleted
)

func (s DocumentState) String() string {
	switch s {
	case NotAttached:
		return "NotAttached"
	case New:
		return "New"
	case Persisted:
		return "Persisted"
	case Deleted:
		return "Deleted"
	}
	return fmt.Sprintf("DocumentState(%d)", uint8(s))
}

// Document 是工作单元里的一条记录
type Document struct {
	Entity     any
	Collection *model.Collection
	State      DocumentState
	// Row 最后一次观察到的持久化行, New 状态下为 nil
	Row *Row
	// updated 用户显式调用过 Update
	updated bool
}

// UnitOfWork 记录实体的生命周期状态和最后一次读到的行
// key 是实体指针, 只属于一个会话
type UnitOfWork struct {
	docs  map[any]*Document
	order []any
}

func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{
		docs: make(map[any]*Document, 16),
	}
}

func (u *UnitOfWork) State(entity any) DocumentState {
	doc, ok := u.docs[entity]
	if !ok {
		return NotAttached
	}
	return doc.State
}

func (u *UnitOfWork) Get(entity any) (*Document, bool) {
	doc, ok := u.docs[entity]
	return doc, ok
}

// Add 新实体进入 New 状态, 已经跟踪的实体保持原样
func (u *UnitOfWork) Add(c *model.Collection, entity any) error {
	doc, ok := u.docs[entity]
	if !ok {
		u.put(&Document{Entity: entity, Collection: c, State: New})
		return nil
	}
	if doc.State == Deleted {
		return fmt.Errorf("%w: 实体已经被删除", errs.ErrInvalidState)
	}
	return nil
}

// Attach 记录一个从持久化层读出来的实体
func (u *UnitOfWork) Attach(c *model.Collection, entity any, row *Row) {
	doc, ok := u.docs[entity]
	if ok {
		doc.Row = row
		return
	}
	u.put(&Document{Entity: entity, Collection: c, State: Persisted, Row: row})
}

// Refresh 重新读到实体时更新行, 之后的变更检测和它比较
// 状态不变, 没有跟踪的实体忽略
func (u *UnitOfWork) Refresh(entity any, row *Row) {
	doc, ok := u.docs[entity]
	if !ok || doc.State == New {
		return
	}
	doc.Row = row
}

// Update 显式标记需要更新
func (u *UnitOfWork) Update(entity any) error {
	doc, ok := u.docs[entity]
	if !ok {
		return errs.ErrNotAttached
	}
	if doc.State == Deleted {
		return fmt.Errorf("%w: 实体已经被删除", errs.ErrInvalidState)
	}
	doc.updated = true
	return nil
}

// Delete New 状态的实体直接丢弃, 永远不会到达持久化层
func (u *UnitOfWork) Delete(entity any) (*Document, error) {
	doc, ok := u.docs[entity]
	if !ok {
		return nil, errs.ErrNotAttached
	}
	switch doc.State {
	case New:
		u.remove(entity)
		doc.State = NotAttached
	case Persisted:
		doc.State = Deleted
	}
	return doc, nil
}

// Documents 按进入工作单元的顺序返回
func (u *UnitOfWork) Documents() []*Document {
	res := make([]*Document, 0, len(u.order))
	for _, e := range u.order {
		if doc, ok := u.docs[e]; ok {
			res = append(res, doc)
		}
	}
	return res
}

func (u *UnitOfWork) Len() int {
	return len(u.docs)
}

// Reset 保存成功之后用新的记录重建工作单元
func (u *UnitOfWork) Reset(docs []*Document) {
	u.docs = make(map[any]*Document, len(docs))
	u.order = u.order[:0]
	for _, doc := range docs {
		doc.updated = false
		u.put(doc)
	}
}

func (u *UnitOfWork) put(doc *Document) {
	u.docs[doc.Entity] = doc
	u.order = append(u.order, doc.Entity)
}

func (u *UnitOfWork) remove(entity any) {
	delete(u.docs, entity)
	for i, e := range u.order {
		if e == entity {
			u.order = append(u.order[:i], u.order[i+1:]...)
			return
		}
	}
}
