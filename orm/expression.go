package orm

import (
	"fmt"
	"strings"

	"github.com/startdusk/docsession/orm/internal/errs"
)

// Expression 是一个标记接口, 代表表达式
type Expression interface {
	expr()
}

// RawExpr 代表的是原生表达式
// 是一种兜底方式, 由于用户的输入SQL过于复杂, 就交给用户自己手写SQL, 我们就不能帮忙构建了
type RawExpr struct {
	raw  string
	args []any
}

func Raw(expr string, args ...any) RawExpr {
	return RawExpr{
		raw:  expr,
		args: args,
	}
}

func (r RawExpr) AsPredicate() Predicate {
	return Predicate{
		left: r,
	}
}

func (r RawExpr) expr() {}

// writeFingerprint 把表达式树按结构写出来, 缓存层用它计算查询的哈希
// 参数值直接写进去, 不同参数就是不同的缓存项
func writeFingerprint(sb *strings.Builder, expr Expression) error {
	switch exp := expr.(type) {
	case Predicate:
		sb.WriteByte('(')
		if err := writeFingerprint(sb, exp.left); err != nil {
			return err
		}
		sb.WriteByte(' ')
		sb.WriteString(exp.op.String())
		sb.WriteByte(' ')
		if err := writeFingerprint(sb, exp.right); err != nil {
			return err
		}
		sb.WriteByte(')')
	case Column:
		sb.WriteString("c:")
		sb.WriteString(exp.name)
	case RawExpr:
		fmt.Fprintf(sb, "raw:%q%v", exp.raw, exp.args)
	case value:
		fmt.Fprintf(sb, "v:%T:%v", exp.val, exp.val)
	case nil:
	default:
		return errs.NewErrUnsupportedExpressionType(expr)
	}
	return nil
}
