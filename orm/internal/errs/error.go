package errs

import (
	"errors"
	"fmt"
)

var (
	ErrPointerOnly = errors.New("orm: 只支持指向结构体的一级指针")
	ErrNoKeyField  = errors.New("orm: 实体没有主键字段")

	// ErrNoPersistence 配置错误: 管道走到最后仍有查询, 但没有持久化层
	ErrNoPersistence = errors.New("orm: no persistence query mechanism configured")
	// ErrQueryNotExecuted 编程错误: 向某一层索要它从未执行过的查询结果
	ErrQueryNotExecuted = errors.New("orm: 查询没有被该层执行")
	ErrConcurrency      = errors.New("orm: 乐观并发冲突")
	ErrNotAttached      = errors.New("orm: 实体不在当前会话的工作单元中")
	ErrUnknownDocType   = errors.New("orm: 未知的文档类型")
	ErrExecutorBroken   = errors.New("orm: 持久化读取器已失效")
	ErrResultConsumed   = errors.New("orm: 查询结果只能读取一次")
	ErrInvalidState     = errors.New("orm: 非法的实体状态")
)

func NewErrUnsupportedExpressionType(expr any) error {
	return fmt.Errorf("orm: 不支持的表达式 %v", expr)
}

func NewErrUnknownField(name string) error {
	return fmt.Errorf("orm: 未知字段 %s", name)
}

func NewErrUnknownColumn(name string) error {
	return fmt.Errorf("orm: 未知数据库列名 %s", name)
}

func NewErrInvalidTagContent(pair string) error {
	return fmt.Errorf("orm: 非法标签值 %s", pair)
}

func NewErrUnknownDocumentType(collection, typ string) error {
	return fmt.Errorf("%w %s, 集合: %s", ErrUnknownDocType, typ, collection)
}

func NewErrUnregistered(typ any) error {
	return fmt.Errorf("orm: 类型 %v 没有对应的集合", typ)
}

func NewErrKeyArity(collection string, want, got int) error {
	return fmt.Errorf("orm: 集合 %s 的主键需要 %d 个值, 实际 %d 个", collection, want, got)
}

func NewErrInvalidKeyValue(field string, val any) error {
	return fmt.Errorf("orm: 主键字段 %s 无法接受值 %v(%T)", field, val, val)
}

func NewErrMissingResultSet(index int) error {
	return fmt.Errorf("orm: 缺少第 %d 个结果集", index)
}

func NewErrFailedToRollbackTx(bizErr error, rbErr error, panicked bool) error {
	return fmt.Errorf("orm: 事务回滚失败, 业务错误: %w, 回滚错误: %s, 是否panic: %t", bizErr, rbErr, panicked)
}

func NewErrMissingGeneratedKey(collection string) error {
	return fmt.Errorf("orm: 集合 %s 没有返回自增主键", collection)
}
