// Package cache 把页面花名册镜像到 Redis，供其它节点和 REST 查询使用。
// 本节点的权威状态在 presence.Tracker 里，这里只是带 TTL 的副本。
package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// PresenceMirror 基于 Redis，实现 presence.Mirror
type PresenceMirror struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewPresenceMirror(rdb redis.UniversalClient) *PresenceMirror {
	return &PresenceMirror{rdb: rdb, now: time.Now}
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也直接调用 AddMember
func (p *PresenceMirror) AddMember(ctx context.Context, pageID string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(pageID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(pageID), userID, username)
	// 键本身也带过期时间，页面没人时自然消失
	tx.Expire(ctx, roomKey(pageID), ttl)
	tx.Expire(ctx, namesKey(pageID), ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *PresenceMirror) RemoveMember(ctx context.Context, pageID string, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(pageID), member)
	tx.HDel(ctx, namesKey(pageID), member)
	_, err := tx.Exec(ctx)
	return err
}

// AliveMembers 先清理过期成员，再返回仍在线的成员
func (p *PresenceMirror) AliveMembers(ctx context.Context, pageID string) ([]PresenceMember, error) {
	now := p.now().Unix()
	keys := []string{roomKey(pageID), namesKey(pageID)}
	if err := sweepScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(pageID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(pageID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, Username: name})
	}
	return members, nil
}

// Pages 列出 Redis 里有在线成员的页面
func (p *PresenceMirror) Pages(ctx context.Context) ([]string, error) {
	var pages []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), keyRoomPrefix)
		k = strings.TrimSuffix(strings.TrimPrefix(k, "{page:"), "}")
		if k != "" {
			pages = append(pages, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}
