// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はログイン中のユーザー（CurrentUser）を表す。
// Sessionから1:1で導出され、単独では永続化しない。
type User struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Session はリモートサービスが発行した認証情報を表す。
// AccessTokenは署名済みJWTで、中身はクライアントから不透明として扱う。
type Session struct {
	AccessToken string
	UserID      string
	ExpiresAt   time.Time
	User        *User
}

// Expired はセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Profile はユーザーの公開プロフィールを表す。
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Bio         string
	Region      string
}

// FallbackProfile はユーザーのメタデータから最低限のプロフィールを構築する。
// リモートのプロフィール取得が終わる前でも必ず非nilを返す。
func FallbackProfile(u *User) *Profile {
	if u == nil {
		return nil
	}
	meta := u.Metadata
	name := firstNonEmpty(meta["display_name"], meta["full_name"], meta["name"], emailLocalPart(u.Email), u.ID)
	return &Profile{
		UserID:      u.ID,
		DisplayName: name,
		AvatarURL:   meta["avatar_url"],
		Bio:         meta["bio"],
		Region:      meta["region"],
	}
}

// Credentials はサインイン・サインアップの入力を表す。
type Credentials struct {
	Email    string
	Password string
	Metadata map[string]string
}

// AuthEvent は認証状態変化通知の種別。
type AuthEvent string

const (
	// AuthEventSignedIn はサインイン完了。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut はサインアウト完了。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はトークン更新。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	// AuthEventUserUpdated はユーザーメタデータの更新。
	AuthEventUserUpdated AuthEvent = "USER_UPDATED"
)

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
