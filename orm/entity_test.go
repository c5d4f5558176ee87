package orm

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/startdusk/docsession/orm/model"
)

type Blog struct {
	ID    int64
	Title string
	Url   string
}

// Post 主键由数据库生成
type Post struct {
	ID    int64 `orm:"key=auto"`
	Title string
}

// Membership 多列主键
type Membership struct {
	Tenant string `orm:"key=true"`
	User   int64  `orm:"key=true"`
	Role   string
}

type Animal interface {
	Sound() string
}

type Dog struct {
	ID   int64
	Name string
}

func (d *Dog) Sound() string {
	return "woof"
}

type Cat struct {
	ID    int64
	Name  string
	Lives int
}

func (c *Cat) Sound() string {
	return "meow"
}

var (
	blogColumns = []string{"id", "document", "document_type"}

	blogByKey  = "SELECT `id`,`document`,`document_type` FROM `blog` WHERE `id` = ?;"
	blogByKeys = "SELECT `id`,`document`,`document_type` FROM `blog` WHERE `id` IN (?,?);"
	blogUpdate = "UPDATE `blog` SET `document`=?,`document_type`=? WHERE `id` = ? AND `document`=?;SELECT ROW_COUNT();"
	blogDelete = "DELETE FROM `blog` WHERE `id` = ? AND `document`=?;SELECT ROW_COUNT();"
)

// newTestDB 所有测试用例共用的注册, 查询按字面值精确匹配
func newTestDB(t *testing.T, opts ...DBOption) (*DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mockDB.Close()
	})
	db, err := OpenDB(mockDB, opts...)
	require.NoError(t, err)

	_, err = db.Register(&Blog{})
	require.NoError(t, err)
	_, err = db.Register(&Post{})
	require.NoError(t, err)
	_, err = db.Register(&Membership{})
	require.NoError(t, err)
	_, err = db.Register(&Dog{}, model.WithName("animal"), model.WithBase[Animal]())
	require.NoError(t, err)
	_, err = db.Register(&Cat{}, model.WithName("animal"), model.WithBase[Animal]())
	require.NoError(t, err)
	return db, mock
}

func blogRows(t *testing.T, blogs ...*Blog) *sqlmock.Rows {
	rows := sqlmock.NewRows(blogColumns)
	for _, b := range blogs {
		rows.AddRow(b.ID, blogDoc(t, b), "Blog")
	}
	return rows
}

func blogDoc(t *testing.T, b *Blog) string {
	doc, err := JSONSerializer{}.Serialize(b)
	require.NoError(t, err)
	return doc
}

func rowCount(n int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ROW_COUNT()"}).AddRow(n)
}

func mustSession(t *testing.T, db *DB) *Session {
	s := db.NewSession()
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}
