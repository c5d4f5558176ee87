package orm

import (
	"context"
	"strings"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

var (
	DialectMySQL Dialect = &mysqlDialect{}
)

// QueryWriter 把一个查询写成一条 SELECT 语句追加到命令里
// 语句选出的列必须和 Collection.Columns() 的顺序一致
type QueryWriter interface {
	Write(q Query, cmd *Command) error
}

// UpdateWriter 把一次写操作追加到命令里
// 约定:
//   - 主键值为 nil 的自增主键 INSERT 后面跟一条返回新主键的语句, 其它 INSERT 不产生结果集
//   - UPDATE 和 DELETE 后面各跟一条返回影响行数的语句
//   - WriteDocument 不产生结果集
type UpdateWriter interface {
	WriteInsert(row *Row, cmd *Command) error
	// WriteUpdate old 是最后一次读到的行, 用于乐观并发检查
	WriteUpdate(row *Row, old *Row, cmd *Command) error
	WriteDelete(old *Row, cmd *Command) error
	// WriteDocument 按主键改写文档列, 自增主键插入之后把新主键写进文档
	WriteDocument(row *Row, cmd *Command) error
}

type Dialect interface {
	// quoter 就是为了解决引号问题
	// MySQL 反引号 `
	// Oracle 是双引号
	quoter() byte

	QueryWriter() QueryWriter
	UpdateWriter() UpdateWriter
}

type mysqlDialect struct{}

func (d *mysqlDialect) quoter() byte {
	return '`'
}

func (d *mysqlDialect) QueryWriter() QueryWriter {
	return mysqlQueryWriter{}
}

func (d *mysqlDialect) UpdateWriter() UpdateWriter {
	return mysqlUpdateWriter{}
}

type mysqlQueryWriter struct{}

func (w mysqlQueryWriter) Write(q Query, cmd *Command) error {
	return q.Accept(context.Background(), &mysqlQueryVisitor{cmd: cmd})
}

var _ QueryVisitor = &mysqlQueryVisitor{}

type mysqlQueryVisitor struct {
	cmd *Command
	c   *model.Collection
}

func (v *mysqlQueryVisitor) VisitKeyQuery(_ context.Context, q *KeyQuery) error {
	v.c = q.Collection()
	v.writeSelect(v.c)
	v.cmd.WriteString(" WHERE ")
	v.writeKey(q.Key)
	v.cmd.EndStatement()
	return nil
}

func (v *mysqlQueryVisitor) VisitMultipleKeyQuery(_ context.Context, q *MultipleKeyQuery) error {
	c := q.Collection()
	v.c = c
	v.writeSelect(c)
	v.cmd.WriteString(" WHERE ")
	if len(q.Keys) == 0 {
		// 空查询一般到不了这里, 还是保证语句合法
		v.cmd.WriteString("1 = 0")
		v.cmd.EndStatement()
		return nil
	}
	if len(c.KeyFields) == 1 {
		v.cmd.Quote(c.KeyFields[0].ColName)
		v.cmd.WriteString(" IN (")
		for i, k := range q.Keys {
			if i > 0 {
				_ = v.cmd.WriteByte(',')
			}
			_ = v.cmd.WriteByte('?')
			v.cmd.AddArgs(k.Values[0])
		}
		_ = v.cmd.WriteByte(')')
	} else {
		for i, k := range q.Keys {
			if i > 0 {
				v.cmd.WriteString(" OR ")
			}
			_ = v.cmd.WriteByte('(')
			v.writeKey(k)
			_ = v.cmd.WriteByte(')')
		}
	}
	v.cmd.EndStatement()
	return nil
}

func (v *mysqlQueryVisitor) VisitEntityQuery(_ context.Context, q *EntityQuery) error {
	c := q.Collection()
	v.c = c
	v.writeSelect(c)

	p, hasWhere := q.predicate()
	if hasWhere || len(q.types) > 0 {
		v.cmd.WriteString(" WHERE ")
	}
	if hasWhere {
		if err := v.writeExpression(p); err != nil {
			return err
		}
	}
	if len(q.types) > 0 {
		if hasWhere {
			v.cmd.WriteString(" AND ")
		}
		v.cmd.Quote(model.DocumentTypeColumn)
		v.cmd.WriteString(" IN (")
		for i, typ := range q.types {
			if i > 0 {
				_ = v.cmd.WriteByte(',')
			}
			_ = v.cmd.WriteByte('?')
			v.cmd.AddArgs(typ)
		}
		_ = v.cmd.WriteByte(')')
	}

	if len(q.orderBy) > 0 {
		v.cmd.WriteString(" ORDER BY ")
		for i, ob := range q.orderBy {
			if i > 0 {
				v.cmd.WriteString(", ")
			}
			if err := v.writeColumn(ob.col); err != nil {
				return err
			}
			if ob.desc {
				v.cmd.WriteString(" DESC")
			} else {
				v.cmd.WriteString(" ASC")
			}
		}
	}

	if q.limit > 0 {
		v.cmd.WriteString(" LIMIT ?")
		v.cmd.AddArgs(q.limit)
	}
	if q.offset > 0 {
		if q.limit <= 0 {
			// MySQL 的 OFFSET 必须跟在 LIMIT 后面
			v.cmd.WriteString(" LIMIT 18446744073709551615")
		}
		v.cmd.WriteString(" OFFSET ?")
		v.cmd.AddArgs(q.offset)
	}
	v.cmd.EndStatement()
	return nil
}

func (v *mysqlQueryVisitor) writeSelect(c *model.Collection) {
	v.cmd.WriteString("SELECT ")
	for i, col := range c.Columns() {
		if i > 0 {
			_ = v.cmd.WriteByte(',')
		}
		v.cmd.Quote(col)
	}
	v.cmd.WriteString(" FROM ")
	v.cmd.Quote(c.Name)
}

// writeKey 写出 `k1` = ? AND `k2` = ?
func (v *mysqlQueryVisitor) writeKey(kv model.KeyValue) {
	writeKeyCondition(v.cmd, kv.Values, v.c.KeyColumns())
}

func (v *mysqlQueryVisitor) writeExpression(expr Expression) error {
	switch exp := expr.(type) {
	case Predicate:
		// 注意: 生成的SQL中, 处理加空格, 加标点符号的问题会让代码很难看, 但这是必须的
		_, lok := exp.left.(Predicate)
		if lok {
			_ = v.cmd.WriteByte('(')
		}
		if err := v.writeExpression(exp.left); err != nil {
			return err
		}
		if lok {
			_ = v.cmd.WriteByte(')')
		}

		if exp.op != "" {
			_ = v.cmd.WriteByte(' ')
			v.cmd.WriteString(exp.op.String())
			_ = v.cmd.WriteByte(' ')
		}

		_, rok := exp.right.(Predicate)
		if rok {
			_ = v.cmd.WriteByte('(')
		}
		if err := v.writeExpression(exp.right); err != nil {
			return err
		}
		if rok {
			_ = v.cmd.WriteByte(')')
		}
	case Column:
		return v.writeColumn(exp)
	case RawExpr:
		_ = v.cmd.WriteByte('(')
		v.cmd.WriteString(exp.raw)
		v.cmd.AddArgs(exp.args...)
		_ = v.cmd.WriteByte(')')
	case value:
		_ = v.cmd.WriteByte('?')
		v.cmd.AddArgs(exp.val)
	case nil:
		return nil
	default:
		return errs.NewErrUnsupportedExpressionType(expr)
	}
	return nil
}

// writeColumn 主键字段直接用列, 其它字段从文档里取
func (v *mysqlQueryVisitor) writeColumn(col Column) error {
	if col.name == model.DocumentTypeField {
		v.cmd.Quote(model.DocumentTypeColumn)
		return nil
	}
	fd, ok := v.c.FieldMap[col.name]
	if !ok {
		return errs.NewErrUnknownField(col.name)
	}
	if fd.IsKey {
		v.cmd.Quote(fd.ColName)
		return nil
	}
	if strings.ContainsAny(fd.JSONName, `"'\`) {
		return errs.NewErrUnknownField(col.name)
	}
	v.cmd.WriteString("JSON_UNQUOTE(JSON_EXTRACT(")
	v.cmd.Quote(model.DocumentColumn)
	v.cmd.WriteString(", '$.\"")
	v.cmd.WriteString(fd.JSONName)
	v.cmd.WriteString("\"'))")
	return nil
}

type mysqlUpdateWriter struct{}

func (w mysqlUpdateWriter) WriteInsert(row *Row, cmd *Command) error {
	c := row.Collection
	cmd.WriteString("INSERT INTO ")
	cmd.Quote(c.Name)
	_ = cmd.WriteByte('(')
	// 还没有值的自增主键不写主键列
	generated := c.IsKeyComputed && row.Values[0] == nil
	start := 0
	if generated {
		start = len(c.KeyFields)
	}
	cols := c.Columns()
	for i := start; i < len(cols); i++ {
		if i > start {
			_ = cmd.WriteByte(',')
		}
		cmd.Quote(cols[i])
	}
	cmd.WriteString(") VALUES (")
	for i := start; i < len(cols); i++ {
		if i > start {
			_ = cmd.WriteByte(',')
		}
		_ = cmd.WriteByte('?')
		cmd.AddArgs(row.Values[i])
	}
	_ = cmd.WriteByte(')')
	cmd.EndStatement()
	if generated {
		cmd.WriteString("SELECT LAST_INSERT_ID()")
		cmd.EndStatement()
	}
	return nil
}

func (w mysqlUpdateWriter) WriteUpdate(row *Row, old *Row, cmd *Command) error {
	c := row.Collection
	cmd.WriteString("UPDATE ")
	cmd.Quote(c.Name)
	cmd.WriteString(" SET ")
	cmd.Quote(model.DocumentColumn)
	cmd.WriteString("=?,")
	cmd.Quote(model.DocumentTypeColumn)
	cmd.WriteString("=?")
	cmd.AddArgs(row.Document(), row.DocumentType())
	cmd.WriteString(" WHERE ")
	writeKeyCondition(cmd, old.Values[:len(c.KeyFields)], c.KeyColumns())
	cmd.WriteString(" AND ")
	cmd.Quote(model.DocumentColumn)
	cmd.WriteString("=?")
	cmd.AddArgs(old.Document())
	cmd.EndStatement()
	cmd.WriteString("SELECT ROW_COUNT()")
	cmd.EndStatement()
	return nil
}

func (w mysqlUpdateWriter) WriteDelete(old *Row, cmd *Command) error {
	c := old.Collection
	cmd.WriteString("DELETE FROM ")
	cmd.Quote(c.Name)
	cmd.WriteString(" WHERE ")
	writeKeyCondition(cmd, old.Values[:len(c.KeyFields)], c.KeyColumns())
	cmd.WriteString(" AND ")
	cmd.Quote(model.DocumentColumn)
	cmd.WriteString("=?")
	cmd.AddArgs(old.Document())
	cmd.EndStatement()
	cmd.WriteString("SELECT ROW_COUNT()")
	cmd.EndStatement()
	return nil
}

func (w mysqlUpdateWriter) WriteDocument(row *Row, cmd *Command) error {
	c := row.Collection
	cmd.WriteString("UPDATE ")
	cmd.Quote(c.Name)
	cmd.WriteString(" SET ")
	cmd.Quote(model.DocumentColumn)
	cmd.WriteString("=?")
	cmd.AddArgs(row.Document())
	cmd.WriteString(" WHERE ")
	writeKeyCondition(cmd, row.Values[:len(c.KeyFields)], c.KeyColumns())
	cmd.EndStatement()
	return nil
}

func writeKeyCondition(cmd *Command, vals []any, cols []string) {
	for i, col := range cols {
		if i > 0 {
			cmd.WriteString(" AND ")
		}
		cmd.Quote(col)
		cmd.WriteString(" = ?")
		cmd.AddArgs(vals[i])
	}
}
