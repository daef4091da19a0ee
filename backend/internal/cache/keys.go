package cache

import "fmt"

// 键语义：
// - roomKey(pageID):  页面在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(pageID): 页面内 userId→username 映射（Hash）
//
// {pageID:...} 是 hash tag，同一页面的两个键落在同一个 cluster slot，Lua 脚本才能同时操作

const (
	keyRoomPrefix = "chatwiki:presence:room:"
	keyRoomFmt    = keyRoomPrefix + "{page:%s}"
	keyNamesFmt   = "chatwiki:presence:names:{page:%s}"
)

func roomKey(pageID string) string  { return fmt.Sprintf(keyRoomFmt, pageID) }
func namesKey(pageID string) string { return fmt.Sprintf(keyNamesFmt, pageID) }
