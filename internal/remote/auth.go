package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/hospiboard/internal/model"
)

// minPasswordLength はサインアップ時のパスワード最小長。
const minPasswordLength = 8

// StoredUser はユーザーストアに保存される認証用ユーザー情報。
type StoredUser struct {
	ID           string
	Email        string
	PasswordHash string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// UserStore は認証用ユーザーの永続化インターフェース。
type UserStore interface {
	// FindUserByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindUserByEmail(ctx context.Context, email string) (*StoredUser, error)
	// FindUserByID はIDでユーザーを検索する。見つからない場合はnilを返す。
	FindUserByID(ctx context.Context, id string) (*StoredUser, error)
	// CreateUser はユーザーを作成する。メールアドレス重複時はErrConflictを返す。
	CreateUser(ctx context.Context, u *StoredUser) error
}

// TokenAuth はJWTアクセストークンとbcryptパスワードハッシュによるAuthService実装。
// 発行したトークンはTokenStoreに永続化し、GetSessionで復元する。
type TokenAuth struct {
	users  UserStore
	tokens TokenStore
	issuer *TokenIssuer
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]AuthChangeFunc
	nextID    int

	// emitMu は通知の配信順序を発生順に保つ。
	emitMu sync.Mutex
}

// NewTokenAuth はTokenAuthを生成する。
func NewTokenAuth(users UserStore, tokens TokenStore, issuer *TokenIssuer, logger *slog.Logger) *TokenAuth {
	return &TokenAuth{
		users:     users,
		tokens:    tokens,
		issuer:    issuer,
		logger:    logger,
		listeners: make(map[int]AuthChangeFunc),
	}
}

// GetSession は永続化されたトークンからセッションを復元する。
// トークンが無効・期限切れの場合は保存済みトークンを破棄してnil, nilを返す。
func (a *TokenAuth) GetSession(ctx context.Context) (*model.Session, error) {
	token, err := a.tokens.Load(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	session, err := a.sessionFromToken(ctx, token)
	if errors.Is(err, ErrNoSession) {
		a.logger.Info("discarding persisted session", slog.String("reason", err.Error()))
		if clearErr := a.tokens.Clear(ctx); clearErr != nil {
			a.logger.Warn("failed to clear persisted session", slog.String("error", clearErr.Error()))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// OnAuthStateChange はリスナーを登録し、解除関数を返す。
func (a *TokenAuth) OnAuthStateChange(fn AuthChangeFunc) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
func (a *TokenAuth) SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	user, err := a.users.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(creds.Email)))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	session, err := a.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	a.logger.Info("user signed in", slog.String("user_id", user.ID))
	a.emit(model.AuthEventSignedIn, session)
	return session, nil
}

// SignUp はユーザーを作成し、そのままサインインする。
// 入力の形式が不正な場合は理由を含むINVALID_REQUESTを返す。
func (a *TokenAuth) SignUp(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if !strings.Contains(email, "@") {
		return nil, model.NewInvalidRequestError("メールアドレスの形式が正しくありません")
	}
	if len(creds.Password) < minPasswordLength {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("パスワードは%d文字以上で入力してください", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &StoredUser{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Metadata:     creds.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := a.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	a.logger.Info("user signed up", slog.String("user_id", user.ID))
	a.emit(model.AuthEventSignedIn, session)
	return session, nil
}

// SignOut は永続化トークンを破棄し、SIGNED_OUTを通知する。
// トークン削除に失敗しても通知は行う。
func (a *TokenAuth) SignOut(ctx context.Context) error {
	err := a.tokens.Clear(ctx)
	a.emit(model.AuthEventSignedOut, nil)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// RefreshSession は現在のトークンを検証し、新しいトークンを発行する。
// 検証に失敗した場合はセッションを破棄してSIGNED_OUTを通知する。
func (a *TokenAuth) RefreshSession(ctx context.Context) (*model.Session, error) {
	token, err := a.tokens.Load(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoSession
	}

	current, err := a.sessionFromToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			_ = a.tokens.Clear(ctx)
			a.emit(model.AuthEventSignedOut, nil)
		}
		return nil, err
	}

	user, err := a.users.FindUserByID(ctx, current.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		_ = a.tokens.Clear(ctx)
		a.emit(model.AuthEventSignedOut, nil)
		return nil, ErrNoSession
	}

	session, err := a.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	a.emit(model.AuthEventTokenRefreshed, session)
	return session, nil
}

func (a *TokenAuth) sessionFromToken(ctx context.Context, token string) (*model.Session, error) {
	userID, exp, err := a.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	user, err := a.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %s no longer exists", ErrNoSession, userID)
	}
	return &model.Session{
		AccessToken: token,
		UserID:      user.ID,
		ExpiresAt:   exp,
		User:        toModelUser(user),
	}, nil
}

func (a *TokenAuth) issue(ctx context.Context, user *StoredUser) (*model.Session, error) {
	token, exp, err := a.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	if err := a.tokens.Save(ctx, token, a.issuer.TTL()); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return &model.Session{
		AccessToken: token,
		UserID:      user.ID,
		ExpiresAt:   exp,
		User:        toModelUser(user),
	}, nil
}

func (a *TokenAuth) emit(event model.AuthEvent, session *model.Session) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	fns := make([]AuthChangeFunc, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, a.listeners[id])
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}

func toModelUser(u *StoredUser) *model.User {
	meta := make(map[string]string, len(u.Metadata))
	for k, v := range u.Metadata {
		meta[k] = v
	}
	return &model.User{ID: u.ID, Email: u.Email, Metadata: meta}
}

// compile-time interface check
var _ AuthService = (*TokenAuth)(nil)
