package readonly

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/startdusk/docsession/orm"
)

func TestReadOnly(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer func() {
		_ = mockDB.Close()
	}()
	db, err := orm.OpenDB(mockDB, orm.DBWithMiddlewares(NewMiddlewareBuilder().Build()))
	require.NoError(t, err)

	ctx := context.Background()
	mock.ExpectQuery("SELECT `id`,`document`,`document_type` FROM `user` WHERE `id` = ?;").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document", "document_type"}).
			AddRow(1, `{"ID":1,"Name":"tom"}`, "User"))
	mock.ExpectBegin()
	mock.ExpectRollback()

	s := db.NewSession()
	defer func() {
		_ = s.Close()
	}()
	u, ok, err := orm.Get[*User](ctx, s, 1)
	require.NoError(t, err)
	require.True(t, ok)

	u.Name = "jerry"
	assert.ErrorIs(t, s.SaveChanges(ctx), ErrReadOnly)
	require.NoError(t, mock.ExpectationsWereMet())
}

type User struct {
	ID   int64
	Name string
}
