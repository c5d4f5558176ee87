package orm

import (
	"context"
	"database/sql"
	"errors"

	"github.com/startdusk/docsession/orm/internal/errs"
)

var _ querier = &Tx{}

// Tx 保存时使用的事务, 只在一次 SaveChanges 内存在
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// 尝试回滚, 如果此时事务已经提交了, 或者被回滚掉了, 那么
// 就会得到sql.ErrTxDone错误, 这时候忽略这个错误就好
func (t *Tx) RollbackIfNotCommit() error {
	err := t.tx.Rollback()
	if !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// doTx fn 返回错误或者 panic 都会回滚, 否则提交
func doTx(ctx context.Context, conn *sql.Conn, fn func(ctx context.Context, tx *Tx) error, opts *sql.TxOptions) (err error) {
	sqlTx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	tx := &Tx{tx: sqlTx}

	panicked := true
	defer func() {
		if panicked || err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = errs.NewErrFailedToRollbackTx(err, rollbackErr, panicked)
			}
			if panicked {
				panic(recover())
			}
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(ctx, tx)
	// 执行过程中没有发生panic, 则标志位置为false
	panicked = false
	return err
}
