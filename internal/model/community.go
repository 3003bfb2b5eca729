// Package model はドメインモデルを定義する。
package model

import "time"

// Community はユーザーが参加できるトピック別のコミュニティを表す。
// MemberCountはリモート側の増減プロシージャで維持される非正規化カウンタで、
// メンバーシップ行と即時には一致しない（結果整合）。
type Community struct {
	ID          string
	Slug        string
	Name        string
	Description string
	IsPublic    bool
	MemberCount int
	AvatarURL   string
	BannerURL   string
	CreatedAt   time.Time
}

// Membership はユーザーとコミュニティの参加関係を表す。
// 行の存在のみが「参加している」ことの根拠となる。更新操作はない。
type Membership struct {
	UserID      string
	CommunityID string
	JoinedAt    time.Time
}
