package model

import (
	"sort"
	"strings"
	"unicode"
)

const (
	directPrefix = "dm:"
	roomPrefix   = "room:"
)

// DirectChatID 单聊会话ID：两端ID排序后拼接，双方看到同一个会话
func DirectChatID(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return directPrefix + p[0] + ":" + p[1]
}

func RoomChatID(roomID string) string { return roomPrefix + roomID }

// ParseChatID 解析会话ID。单聊返回两端用户，群聊返回 roomID。
func ParseChatID(chatID string) (roomID string, users []string, ok bool) {
	switch {
	case strings.HasPrefix(chatID, roomPrefix):
		id := strings.TrimPrefix(chatID, roomPrefix)
		return id, nil, ValidID(id)
	case strings.HasPrefix(chatID, directPrefix):
		parts := strings.Split(strings.TrimPrefix(chatID, directPrefix), ":")
		if len(parts) != 2 || !ValidID(parts[0]) || !ValidID(parts[1]) {
			return "", nil, false
		}
		return "", parts, true
	}
	return "", nil, false
}

// ValidID 用户/房间/客户端ID：非空、<=128、不含分隔符和空白
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r == ':' || r == '|' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// DirectIdemKey 单聊幂等键 (senderId, clientMessageId)
func DirectIdemKey(senderID, clientMessageID string) string {
	return "dm|" + senderID + "|" + clientMessageID
}

// RoomIdemKey 群聊幂等键 (roomId, senderId, roomMessageId)
func RoomIdemKey(roomID, senderID, roomMessageID string) string {
	return "room|" + roomID + "|" + senderID + "|" + roomMessageID
}
