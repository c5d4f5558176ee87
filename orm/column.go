package orm

func (c Column) expr() {}

// Column 用的是 Go 的字段名, 主键字段对应独立的列
// 其它字段会被翻译成文档里的 JSON 路径
type Column struct {
	name string
}

func C(name string) Column {
	return Column{name: name}
}

func (c Column) Gt(arg any) Predicate {
	return Predicate{
		left:  c,
		op:    opGt,
		right: value{val: arg},
	}
}

func (c Column) Lt(arg any) Predicate {
	return Predicate{
		left:  c,
		op:    opLt,
		right: value{val: arg},
	}
}

func (c Column) Eq(arg any) Predicate {
	return Predicate{
		left:  c,
		op:    opEq,
		right: value{val: arg},
	}
}

type OrderBy struct {
	col  Column
	desc bool
}

func Asc(name string) OrderBy {
	return OrderBy{col: C(name)}
}

func Desc(name string) OrderBy {
	return OrderBy{col: C(name), desc: true}
}
