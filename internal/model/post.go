// Package model はドメインモデルを定義する。
package model

import "time"

// FeedPost はソーシャルフィードの投稿を表す。
// ViewerHasLikedは閲覧ユーザーごとに導出されるフラグで、投稿自体の属性ではない。
type FeedPost struct {
	ID             string
	AuthorID       string
	AuthorName     string
	CommunityID    *string
	Region         string
	Content        string
	MediaRefs      []string
	LikeCount      int
	CommentCount   int
	CreatedAt      time.Time
	ViewerHasLiked bool
}

// NewPost は投稿作成の入力を表す。
type NewPost struct {
	Content     string
	CommunityID *string
	Region      string
	MediaRefs   []string
}
