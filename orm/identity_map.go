package orm

import (
	"github.com/startdusk/docsession/orm/model"
)

type identityKey struct {
	collection string
	key        model.Key
}

// IdentityMap 保证同一个会话里同一个主键只有一个实例
// 只属于一个会话, 不做并发保护
type IdentityMap struct {
	entities map[identityKey]any
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		entities: make(map[identityKey]any, 16),
	}
}

func (m *IdentityMap) Get(c *model.Collection, key model.Key) (any, bool) {
	val, ok := m.entities[identityKey{collection: c.Name, key: key}]
	return val, ok
}

func (m *IdentityMap) Add(c *model.Collection, key model.Key, entity any) {
	m.entities[identityKey{collection: c.Name, key: key}] = entity
}

func (m *IdentityMap) Remove(c *model.Collection, key model.Key) {
	delete(m.entities, identityKey{collection: c.Name, key: key})
}

func (m *IdentityMap) Len() int {
	return len(m.entities)
}
