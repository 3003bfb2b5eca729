package remote

import (
	"fmt"
	"time"

	"github.com/hitoshi/hospiboard/internal/model"
)

// テーブル名
const (
	TableCommunities      = "communities"
	TableCommunityMembers = "community_members"
	TableFeedPosts        = "feed_posts"
	TablePostLikes        = "post_likes"
	TableProfiles         = "profiles"
)

// リモートプロシージャ名
const (
	ProcIncrementMemberCount = "increment_member_count"
	ProcDecrementMemberCount = "decrement_member_count"
	ProcAdjustPostLikeCount  = "adjust_post_like_count"
)

// RowString は行から文字列値を取り出す。存在しない場合は空文字列。
func RowString(r Row, key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	case []byte:
		return string(v)
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return ""
}

// RowInt は行から整数値を取り出す。
func RowInt(r Row, key string) int {
	if f, ok := toFloat(r[key]); ok {
		return int(f)
	}
	return 0
}

// RowBool は行から真偽値を取り出す。
func RowBool(r Row, key string) bool {
	b, _ := r[key].(bool)
	return b
}

// RowTime は行から時刻を取り出す。
func RowTime(r Row, key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// RowStrings は行から文字列スライスを取り出す。
func RowStrings(r Row, key string) []string {
	switch v := r[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// CommunityFromRow はcommunitiesテーブルの行をドメインモデルに変換する。
func CommunityFromRow(r Row) model.Community {
	return model.Community{
		ID:          RowString(r, "id"),
		Slug:        RowString(r, "slug"),
		Name:        RowString(r, "name"),
		Description: RowString(r, "description"),
		IsPublic:    RowBool(r, "is_public"),
		MemberCount: RowInt(r, "member_count"),
		AvatarURL:   RowString(r, "avatar_url"),
		BannerURL:   RowString(r, "banner_url"),
		CreatedAt:   RowTime(r, "created_at"),
	}
}

// PostFromRow はfeed_postsテーブルの行をドメインモデルに変換する。
// ViewerHasLikedは閲覧者ごとの導出値のため、ここでは設定しない。
func PostFromRow(r Row) model.FeedPost {
	p := model.FeedPost{
		ID:           RowString(r, "id"),
		AuthorID:     RowString(r, "author_id"),
		AuthorName:   RowString(r, "author_name"),
		Region:       RowString(r, "region"),
		Content:      RowString(r, "content"),
		MediaRefs:    RowStrings(r, "media_refs"),
		LikeCount:    RowInt(r, "like_count"),
		CommentCount: RowInt(r, "comment_count"),
		CreatedAt:    RowTime(r, "created_at"),
	}
	if id := RowString(r, "community_id"); id != "" {
		p.CommunityID = &id
	}
	return p
}

// ProfileFromRow はprofilesテーブルの行をドメインモデルに変換する。
func ProfileFromRow(r Row) model.Profile {
	return model.Profile{
		UserID:      RowString(r, "user_id"),
		DisplayName: RowString(r, "display_name"),
		AvatarURL:   RowString(r, "avatar_url"),
		Bio:         RowString(r, "bio"),
		Region:      RowString(r, "region"),
	}
}
