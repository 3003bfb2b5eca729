package middleware

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/hitoshi/hospiboard/internal/model"
)

// NewCSRFGuardMiddleware は状態変更リクエストの送信元を検証するミドルウェアを返す。
// ゲートウェイはCookieを使わないため、トークン方式ではなく次の2点で判定する。
//   - Originヘッダーがある場合はallowedOriginと一致すること
//   - ボディのContent-Typeがapplication/jsonであること（HTMLフォームからは送信できない）
//
// 安全なメソッド（GET, HEAD, OPTIONS）は検証しない。
func NewCSRFGuardMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if origin := r.Header.Get("Origin"); origin != "" && origin != allowedOrigin {
				slog.Warn("CSRF validation failed: origin mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				WriteErrorResponse(w, http.StatusForbidden, forbiddenError("送信元が許可されていません。"))
				return
			}

			if r.ContentLength != 0 && !isJSONContentType(r.Header.Get("Content-Type")) {
				slog.Warn("CSRF validation failed: non-JSON body",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnsupportedMediaType, forbiddenError("リクエストボディはJSONで送信してください。"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func isJSONContentType(v string) bool {
	mt, _, err := mime.ParseMediaType(v)
	return err == nil && mt == "application/json"
}

func forbiddenError(message string) *model.APIError {
	return &model.APIError{
		Code:     "FORBIDDEN",
		Message:  message,
		Category: "auth",
		Action:   "正しいクライアントから操作してください。",
	}
}
