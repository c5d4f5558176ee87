package orm

import (
	"fmt"
	"reflect"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/startdusk/docsession/orm/model"
)

// 通过桥接的方式将内部错误导出外部
var (
	ErrNoPersistence    = errs.ErrNoPersistence
	ErrQueryNotExecuted = errs.ErrQueryNotExecuted
	ErrConcurrency      = errs.ErrConcurrency
	ErrNotAttached      = errs.ErrNotAttached
	ErrUnknownDocType   = errs.ErrUnknownDocType
	ErrExecutorBroken   = errs.ErrExecutorBroken
	ErrResultConsumed   = errs.ErrResultConsumed
)

// ConcurrencyError 一个实体的更新或者删除没有影响任何行
// 多个冲突会被 multierr 聚合后一起返回, 用 errors.Is(err, ErrConcurrency) 判断
type ConcurrencyError struct {
	Collection string
	Key        model.Key
	Entity     any
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s, 集合: %s, 主键: %s", ErrConcurrency, e.Collection, e.Key)
}

func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrency
}

// HydrationError 数据库里的文档没法还原成请求的类型
type HydrationError struct {
	Collection   string
	DocumentType string
	Want         reflect.Type
	Err          error
}

func (e *HydrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orm: 文档 %s 还原失败, 集合: %s, 原因: %s", e.DocumentType, e.Collection, e.Err)
	}
	return fmt.Sprintf("orm: 文档 %s 不能赋值给 %v, 集合: %s", e.DocumentType, e.Want, e.Collection)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}
