//go:build integration

package integration

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/startdusk/docsession/orm"
)

const dsn = "root:root@tcp(localhost:13306)/integration_test"

type Blog struct {
	ID    int64
	Title string
}

type Post struct {
	ID    int64 `orm:"key=auto"`
	Title string
}

type Suite struct {
	suite.Suite
	cfg *orm.Config
	raw *sql.DB
	db  *orm.DB
}

func (s *Suite) SetupSuite() {
	t := s.T()
	cfg := orm.DefaultConfig()
	cfg.DSN = dsn
	cfg.Retry = orm.RetryConfig{Interval: time.Second, MaxCnt: 3}
	if s.cfg != nil {
		cfg = s.cfg
	}
	raw, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	s.raw = raw
	for _, ddl := range []string{
		"CREATE TABLE IF NOT EXISTS `blog`(`id` BIGINT PRIMARY KEY, `document` LONGTEXT NOT NULL, `document_type` VARCHAR(128) NOT NULL)",
		"CREATE TABLE IF NOT EXISTS `post`(`id` BIGINT PRIMARY KEY AUTO_INCREMENT, `document` LONGTEXT NOT NULL, `document_type` VARCHAR(128) NOT NULL)",
	} {
		_, err = raw.Exec(ddl)
		require.NoError(t, err)
	}

	db, err := orm.OpenConfig(cfg)
	require.NoError(t, err)
	_, err = db.Register(&Blog{})
	require.NoError(t, err)
	_, err = db.Register(&Post{})
	require.NoError(t, err)
	s.db = db
}

// 每个用例结束后清空表
func (s *Suite) TearDownTest() {
	for _, table := range []string{"blog", "post"} {
		_, err := s.raw.ExecContext(context.Background(), "TRUNCATE TABLE `"+table+"`")
		require.NoError(s.T(), err)
	}
}

func (s *Suite) TearDownSuite() {
	_ = s.db.Close()
	_ = s.raw.Close()
}
