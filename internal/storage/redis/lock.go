package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// 只有持有者才能释放锁
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的非重入分布式锁，多实例部署时保证同一时刻只有一个清理任务
type Locker struct {
	client *Client
	key    string
	ttl    time.Duration
}

// NewLocker 创建分布式锁
func NewLocker(client *Client, key string, ttl time.Duration) *Locker {
	return &Locker{client: client, key: key, ttl: ttl}
}

// TryLock 尝试获取锁，成功时返回释放函数；锁被占用时返回 false
func (l *Locker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, false, err
	}
	token := hex.EncodeToString(buf)

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.client.rdb, []string{l.key}, token).Err()
	}
	return unlock, true, nil
}
