// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はプログラムから分岐に使うエラー分類を表す。
// UIに表示するメッセージとは独立に保持される。
type ErrorKind string

const (
	// KindUnauthenticated はログインユーザーなしでミューテーションを試みた場合。
	KindUnauthenticated ErrorKind = "Unauthenticated"
	// KindTimeout はリモート呼び出しがタイムアウトした場合。
	KindTimeout ErrorKind = "Timeout"
	// KindNetworkError は通信経路の障害。
	KindNetworkError ErrorKind = "NetworkError"
	// KindNotFound は対象が存在しない場合。
	KindNotFound ErrorKind = "NotFound"
	// KindConflict は一意制約違反など、リモート側の整合性エラー。
	KindConflict ErrorKind = "Conflict"
	// KindUnknown は上記以外。
	KindUnknown ErrorKind = "Unknown"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string    // エラーコード
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: auth, validation, remote, system
	Action   string    // ユーザー向け対処方法
	Kind     ErrorKind // 分岐用の分類
	Err      error     // 元のエラー（存在する場合）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNetworkError      = "NETWORK_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnknown           = "UNKNOWN"
	ErrCodeInvalidCredential = "INVALID_CREDENTIALS"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodePostNotFound      = "POST_NOT_FOUND"
	ErrCodeMutationPending   = "MUTATION_PENDING"
)

// KindOf はエラーチェーンからErrorKindを取り出す。
// APIErrorを含まないエラーはKindUnknownとして扱う。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		return apiErr.Kind
	}
	return KindUnknown
}

// NewUnauthenticatedError は未ログイン状態でのミューテーションエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
		Kind:     KindUnauthenticated,
	}
}

// NewTimeoutError はリモート呼び出しのタイムアウトエラーを生成する。
func NewTimeoutError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeTimeout,
		Message:  "サーバーからの応答がタイムアウトしました。",
		Category: "remote",
		Action:   "通信環境を確認し、再読み込みしてください。",
		Kind:     KindTimeout,
		Err:      err,
	}
}

// NewNetworkError は通信エラーを生成する。
func NewNetworkError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkError,
		Message:  "ネットワークエラーが発生しました。",
		Category: "remote",
		Action:   "インターネット接続を確認してから再度お試しください。",
		Kind:     KindNetworkError,
		Err:      err,
	}
}

// NewNotFoundError は対象未検出エラーを生成する。
func NewNotFoundError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "データが見つかりませんでした。",
		Category: "remote",
		Action:   "ページを再読み込みしてください。",
		Kind:     KindNotFound,
		Err:      err,
	}
}

// NewConflictError は整合性エラーを生成する。
func NewConflictError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "データが既に更新されています。",
		Category: "remote",
		Action:   "最新の状態を読み込んでから再度お試しください。",
		Kind:     KindConflict,
		Err:      err,
	}
}

// NewUnknownError は分類できないエラーを生成する。
func NewUnknownError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeUnknown,
		Message:  "予期しないエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Kind:     KindUnknown,
		Err:      err,
	}
}

// NewInvalidCredentialsError は認証情報の誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
		Kind:     KindUnauthenticated,
	}
}

// NewInvalidRequestError は入力値のバリデーションエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Kind:     KindUnknown,
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "feed",
		Action:   "フィードを再読み込みしてください。",
		Kind:     KindNotFound,
	}
}

// NewMutationPendingError は同じ対象への操作が確定待ちの場合のエラーを生成する。
func NewMutationPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeMutationPending,
		Message:  "前の操作を処理中です。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
		Kind:     KindConflict,
	}
}
