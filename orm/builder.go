package orm

import (
	"strings"
)

var _ StatementBuilder = &Command{}

// Command 是多条语句共用的命令缓冲区
// 查询写入器和更新写入器往里面追加 SQL 和参数, 核心部分从不自己拼 SQL
type Command struct {
	sb     strings.Builder
	args   []any
	quoter byte

	statements int
}

func NewCommand(quoter byte) *Command {
	return &Command{quoter: quoter}
}

func (c *Command) WriteString(s string) {
	c.sb.WriteString(s)
}

func (c *Command) WriteByte(b byte) error {
	return c.sb.WriteByte(b)
}

// Quote 给表名, 列名加引号
func (c *Command) Quote(name string) {
	c.sb.WriteByte(c.quoter)
	c.sb.WriteString(name)
	c.sb.WriteByte(c.quoter)
}

func (c *Command) AddArgs(args ...any) {
	if len(args) == 0 {
		return
	}
	if c.args == nil {
		// 很少有查询能够超过8个参数
		c.args = make([]any, 0, 8)
	}
	c.args = append(c.args, args...)
}

// EndStatement 结束当前语句
func (c *Command) EndStatement() {
	c.sb.WriteByte(';')
	c.statements++
}

// Statements 已经写入的语句数量
func (c *Command) Statements() int {
	return c.statements
}

func (c *Command) Build() (*Statement, error) {
	return &Statement{
		SQL:  c.sb.String(),
		Args: c.args,
	}, nil
}
