// Package security はアプリケーションのセキュリティ機能を提供する。
//
// PostSanitizer はフィード投稿の本文と添付メディア参照を無害化する。
// bluemondayの許可リストポリシーで、短い投稿に必要な最小限の装飾のみを通過させる。
package security

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxPostLength は投稿本文の最大文字数（サニタイズ後、ルーン数）。
const MaxPostLength = 2000

// MaxMediaRefs は1投稿に添付できるメディア参照の最大数。
const MaxMediaRefs = 4

// PostSanitizer は投稿の無害化機能のインターフェース。
type PostSanitizer interface {
	// SanitizeContent は本文から許可されていないタグと属性を除去し、前後の空白を取り除く。
	// 許可タグ: br, strong, em, a（httpsのhrefのみ）。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が付与される。
	SanitizeContent(raw string) string
	// SanitizeMediaRefs はhttpsの絶対URLのみを残し、重複を除いて最大MaxMediaRefs件に切り詰める。
	SanitizeMediaRefs(refs []string) []string
}

// postSanitizer はPostSanitizerの実装。bluemondayのポリシーはスレッドセーフ。
type postSanitizer struct {
	policy *bluemonday.Policy
}

// NewPostSanitizer はPostSanitizerを生成する。
func NewPostSanitizer() *postSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで除去される
	p.AllowElements("br", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &postSanitizer{policy: p}
}

// SanitizeContent は本文を無害化する。
func (s *postSanitizer) SanitizeContent(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// SanitizeMediaRefs はメディア参照を検証する。
func (s *postSanitizer) SanitizeMediaRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		u, err := url.Parse(ref)
		if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
			continue
		}
		seen[ref] = true
		out = append(out, u.String())
		if len(out) == MaxMediaRefs {
			break
		}
	}
	return out
}

// ContentLength はサニタイズ済み本文の文字数を返す。
func ContentLength(content string) int {
	return utf8.RuneCountInString(content)
}
