package orm

import (
	"fmt"

	"github.com/startdusk/docsession/orm/model"
)

// Row 是持久化层和其它部分交换数据的单位
// Values 的顺序和 Collection.Columns() 一致
type Row struct {
	Collection *model.Collection
	Values     []any
}

func newRow(c *model.Collection, vals []any) *Row {
	r := &Row{Collection: c, Values: vals}
	r.normalize()
	return r
}

func (r *Row) Document() string {
	return textOf(r.Values[r.Collection.DocumentIndex()])
}

func (r *Row) DocumentType() string {
	return textOf(r.Values[r.Collection.DocumentTypeIndex()])
}

func (r *Row) Key() (model.KeyValue, error) {
	return r.Collection.CreateKey(r.Values)
}

// normalize 驱动返回的 []byte 可能被复用, 这里统一转成 string
func (r *Row) normalize() {
	for i, v := range r.Values {
		if b, ok := v.([]byte); ok {
			r.Values[i] = string(b)
		}
	}
}

func textOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
