package orm

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/startdusk/docsession/orm/model"
)

func readRows(seq iter.Seq2[*Row, error]) ([]string, error) {
	var docs []string
	for row, err := range seq {
		if err != nil {
			return docs, err
		}
		docs = append(docs, row.Document())
	}
	return docs, nil
}

func Test_PersistenceExecutor_OutOfOrder(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q1 := newKeyQuery(blog, key(t, blog, 1))
	q2 := newMultipleKeyQuery(blog, []model.KeyValue{key(t, blog, 2), key(t, blog, 3)})

	b1 := &Blog{ID: 1, Title: "A"}
	b2 := &Blog{ID: 2, Title: "B"}
	b3 := &Blog{ID: 3, Title: "C"}
	// 两个查询一次往返
	mock.ExpectQuery(blogByKey+blogByKeys).
		WithArgs(1, 2, 3).
		WillReturnRows(blogRows(t, b1), blogRows(t, b2, b3))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	res, err := e.Execute(ctx, []Query{q1, q2})
	require.NoError(t, err)
	assert.Equal(t, []Query{q1, q2}, res.Executed)
	assert.Empty(t, res.NotExecuted)
	assert.Empty(t, res.Partial)

	// 先读第二个, 第一个的结果集被读进内存
	seq, err := e.Get(ctx, q2)
	require.NoError(t, err)
	_, err = e.Get(ctx, q2)
	assert.ErrorIs(t, err, ErrResultConsumed)
	docs, err := readRows(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{blogDoc(t, b2), blogDoc(t, b3)}, docs)

	seq, err = e.Get(ctx, q1)
	require.NoError(t, err)
	docs, err = readRows(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{blogDoc(t, b1)}, docs)

	_, err = e.Get(ctx, q1)
	assert.ErrorIs(t, err, ErrQueryNotExecuted)
	require.NoError(t, mock.ExpectationsWereMet())
}

// 主键统一成字段的类型, 不管驱动返回什么
func Test_PersistenceExecutor_KeyNormalized(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q := newKeyQuery(blog, key(t, blog, 1))
	mock.ExpectQuery(blogByKey).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows(blogColumns).AddRow([]byte("1"), []byte(`{"ID":1}`), []byte("Blog")))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Execute(ctx, []Query{q})
	require.NoError(t, err)
	seq, err := e.Get(ctx, q)
	require.NoError(t, err)
	for row, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1), `{"ID":1}`, "Blog"}, row.Values)
	}
}

func Test_PersistenceExecutor_StopEarly(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q1 := newMultipleKeyQuery(blog, []model.KeyValue{key(t, blog, 1), key(t, blog, 2)})
	q2 := newKeyQuery(blog, key(t, blog, 3))

	b3 := &Blog{ID: 3, Title: "C"}
	mock.ExpectQuery(blogByKeys+blogByKey).
		WithArgs(1, 2, 3).
		WillReturnRows(blogRows(t, &Blog{ID: 1}, &Blog{ID: 2}), blogRows(t, b3))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Execute(ctx, []Query{q1, q2})
	require.NoError(t, err)

	seq, err := e.Get(ctx, q1)
	require.NoError(t, err)
	for _, err := range seq {
		require.NoError(t, err)
		break
	}
	// 提前结束的结果集不能再读
	_, err = e.Get(ctx, q1)
	assert.ErrorIs(t, err, ErrQueryNotExecuted)

	seq, err = e.Get(ctx, q2)
	require.NoError(t, err)
	docs, err := readRows(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{blogDoc(t, b3)}, docs)
}

// 新的批次执行之前, 上一批没读的结果先进内存
func Test_PersistenceExecutor_FlushBeforeExecute(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q1 := newKeyQuery(blog, key(t, blog, 1))
	q2 := newKeyQuery(blog, key(t, blog, 2))
	b1 := &Blog{ID: 1, Title: "A"}
	b2 := &Blog{ID: 2, Title: "B"}
	mock.ExpectQuery(blogByKey).WithArgs(1).WillReturnRows(blogRows(t, b1))
	mock.ExpectQuery(blogByKey).WithArgs(2).WillReturnRows(blogRows(t, b2))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Execute(ctx, []Query{q1})
	require.NoError(t, err)
	_, err = e.Execute(ctx, []Query{q2})
	require.NoError(t, err)

	for _, c := range []struct {
		q    Query
		want string
	}{
		{q: q2, want: blogDoc(t, b2)},
		{q: q1, want: blogDoc(t, b1)},
	} {
		seq, err := e.Get(ctx, c.q)
		require.NoError(t, err)
		docs, err := readRows(seq)
		require.NoError(t, err)
		assert.Equal(t, []string{c.want}, docs)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func Test_PersistenceExecutor_Flush(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q1 := newKeyQuery(blog, key(t, blog, 1))
	q2 := newKeyQuery(blog, key(t, blog, 2))
	mock.ExpectQuery(blogByKey+blogByKey).
		WithArgs(1, 2).
		WillReturnRows(blogRows(t, &Blog{ID: 1}), blogRows(t))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Execute(ctx, []Query{q1, q2})
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
	assert.Nil(t, e.rows)
	assert.Nil(t, e.conn)

	seq, err := e.Get(ctx, q2)
	require.NoError(t, err)
	docs, err := readRows(seq)
	require.NoError(t, err)
	assert.Empty(t, docs)

	seq, err = e.Get(ctx, q1)
	require.NoError(t, err)
	docs, err = readRows(seq)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func Test_PersistenceExecutor_Broken(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name  string
		mock  func(t *testing.T, mock sqlmock.Sqlmock)
		ctx   func() (context.Context, context.CancelFunc)
		index int

		wantErr error
	}{
		{
			name: "row error",
			mock: func(t *testing.T, mock sqlmock.Sqlmock) {
				mock.ExpectQuery(blogByKey+blogByKey).
					WithArgs(1, 2).
					WillReturnRows(blogRows(t, &Blog{ID: 1}).RowError(0, boom), blogRows(t))
			},
			wantErr: boom,
		},
		{
			name: "missing result set",
			mock: func(t *testing.T, mock sqlmock.Sqlmock) {
				mock.ExpectQuery(blogByKey+blogByKey).
					WithArgs(1, 2).
					WillReturnRows(blogRows(t, &Blog{ID: 1}))
			},
			index:   1,
			wantErr: ErrExecutorBroken,
		},
		{
			name: "canceled",
			mock: func(t *testing.T, mock sqlmock.Sqlmock) {
				mock.ExpectQuery(blogByKey+blogByKey).
					WithArgs(1, 2).
					WillReturnRows(blogRows(t, &Blog{ID: 1}), blogRows(t))
			},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(context.Background())
			},
			wantErr: context.Canceled,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			db, mock := newTestDB(t)
			blog := collection(t, db, &Blog{})
			queries := []Query{
				newKeyQuery(blog, key(t, blog, 1)),
				newKeyQuery(blog, key(t, blog, 2)),
			}
			c.mock(t, mock)

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if c.ctx != nil {
				ctx, cancel = c.ctx()
			}
			defer cancel()

			e := NewPersistenceExecutor(db.core, db.factory)
			_, err := e.Execute(ctx, queries)
			require.NoError(t, err)

			seq, err := e.Get(ctx, queries[c.index])
			if err == nil {
				cancel()
				_, err = readRows(seq)
			}
			assert.ErrorIs(t, err, ErrExecutorBroken)
			assert.ErrorIs(t, err, c.wantErr)
			assert.Nil(t, e.rows)

			// 读取器失效之后整个执行器不可用
			_, err = e.Execute(context.Background(), queries[:1])
			assert.ErrorIs(t, err, ErrExecutorBroken)
			assert.ErrorIs(t, e.Flush(context.Background()), ErrExecutorBroken)
		})
	}
}

func Test_PersistenceExecutor_NotExecuted(t *testing.T) {
	db, _ := newTestDB(t)
	blog := collection(t, db, &Blog{})
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Get(context.Background(), newKeyQuery(blog, key(t, blog, 1)))
	assert.ErrorIs(t, err, ErrQueryNotExecuted)
}

func Test_PersistenceExecutor_Close(t *testing.T) {
	db, mock := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q := newKeyQuery(blog, key(t, blog, 1))
	mock.ExpectQuery(blogByKey).WithArgs(1).WillReturnRows(blogRows(t, &Blog{ID: 1}))

	ctx := context.Background()
	e := NewPersistenceExecutor(db.core, db.factory)
	_, err := e.Execute(ctx, []Query{q})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.Nil(t, e.conn)

	_, err = e.Get(ctx, q)
	assert.ErrorIs(t, err, ErrQueryNotExecuted)
}

func Test_PersistenceExecutor_ConnectError(t *testing.T) {
	db, _ := newTestDB(t)
	blog := collection(t, db, &Blog{})
	q := newKeyQuery(blog, key(t, blog, 1))
	boom := errors.New("no conn")

	e := NewPersistenceExecutor(db.core, connectionFactoryFunc(func(ctx context.Context) (*sql.Conn, error) {
		return nil, boom
	}))
	_, err := e.Execute(context.Background(), []Query{q})
	assert.ErrorIs(t, err, boom)
	_, err = e.Get(context.Background(), q)
	assert.ErrorIs(t, err, ErrQueryNotExecuted)
}
