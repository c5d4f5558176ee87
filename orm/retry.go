package orm

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

type RetryStrategy interface {
	// 第一个返回重试的间隔时间, 第二个返回要不要继续重试
	Next() (time.Duration, bool)
}

type FixedIntervalRetryStrategy struct {
	Interval time.Duration
	MaxCnt   int
	cnt      int
}

func (f *FixedIntervalRetryStrategy) Next() (time.Duration, bool) {
	if f.cnt >= f.MaxCnt {
		return 0, false
	}
	f.cnt++
	return f.Interval, true
}

var _ ConnectionFactory = RetryConnectionFactory{}

// RetryConnectionFactory 获取连接失败时按策略重试
// 每次 Connect 都会创建新的策略, 策略本身有状态
type RetryConnectionFactory struct {
	Factory  ConnectionFactory
	Strategy func() RetryStrategy
	Logger   *zap.Logger
}

func (f RetryConnectionFactory) Connect(ctx context.Context) (*sql.Conn, error) {
	strategy := f.Strategy()
	for {
		conn, err := f.Factory.Connect(ctx)
		if err == nil {
			return conn, nil
		}
		interval, ok := strategy.Next()
		if !ok {
			return nil, err
		}
		if f.Logger != nil {
			f.Logger.Warn("获取连接失败, 准备重试", zap.Duration("interval", interval), zap.Error(err))
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
