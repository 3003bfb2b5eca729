package feedsync

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var errInvalidCursor = errors.New("feedsync: invalid cursor")

// encodeCursor は最後に受信した投稿から不透明なカーソルを作る。
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor はカーソルを投稿時刻とIDに戻す。
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", errInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", errInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", errInvalidCursor
	}
	return t, id, nil
}
