// Package session はログインセッションの状態を保持し、他の同期コンポーネントに公開する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/remote"
	"github.com/hitoshi/hospiboard/internal/robustquery"
)

// profileFetchTimeout はリモートプロフィール取得のタイムアウト。
const profileFetchTimeout = 10 * time.Second

// State はセッション状態のスナップショット。
// UserとProfileは共有される参照で、受け取った側で変更してはならない。
type State struct {
	User      *model.User
	Profile   *model.Profile
	Loading   bool
	Error     string
	ErrorKind model.ErrorKind
}

// Listener は状態変化の通知を受け取る。
// 通知中に同じManagerの状態を変更するメソッドを同期的に呼んではならない。
type Listener func(State)

// Manager はセッションの初期化、認証状態変化の反映、サインイン・サインアウトを担う。
// 生成後にInitializeを呼び、不要になったらDisposeを呼ぶ。
type Manager struct {
	auth    remote.AuthService
	data    remote.DataService
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	// notifyMu はmuより先に取得し、リスナーへの通知を適用順に直列化する。
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	listeners map[int]Listener
	nextID    int
	unsubAuth func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager はManagerを生成する。初期状態はLoading=true。
func NewManager(auth remote.AuthService, data remote.DataService, logger *slog.Logger, m metrics.MetricsCollector) *Manager {
	if m == nil {
		m = metrics.NopCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		auth:      auth,
		data:      data,
		logger:    logger,
		metrics:   m,
		state:     State{Loading: true},
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Initialize は認証状態変化の購読を開始し、永続化されたセッションを復元する。
// 復元中に認証状態変化が届いた場合、その結果を優先し復元結果は破棄する。
// エラーは呼び出し元に返さず、未ログイン状態として扱う。
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	needSubscribe := m.unsubAuth == nil
	gen := m.gen
	m.mu.Unlock()

	if needSubscribe {
		unsub := m.auth.OnAuthStateChange(m.HandleAuthStateChange)
		m.mu.Lock()
		m.unsubAuth = unsub
		m.mu.Unlock()
	}

	session, err := m.auth.GetSession(ctx)
	if err != nil {
		m.logger.Warn("failed to restore session", slog.String("error", err.Error()))
		session = nil
	}

	var user *model.User
	if session != nil {
		user = session.User
	}

	applied := false
	var appliedGen uint64
	m.update(func(s *State) bool {
		if m.gen != gen {
			return false
		}
		m.gen++
		appliedGen = m.gen
		applied = true
		s.User = user
		s.Profile = model.FallbackProfile(user)
		s.Loading = false
		return true
	})

	if !applied {
		m.metrics.RecordStaleResult("session")
		m.logger.Debug("discarded stale session restore")
		return
	}
	if user != nil {
		m.logger.Info("session restored", slog.String("user_id", user.ID))
		go m.loadProfile(user, appliedGen)
	}
}

// HandleAuthStateChange はリモートからの認証状態変化を反映する。
// 進行中のInitializeより常に優先される。
func (m *Manager) HandleAuthStateChange(event model.AuthEvent, session *model.Session) {
	m.metrics.RecordAuthEvent(string(event))

	var user *model.User
	if session != nil {
		user = session.User
	}

	var (
		gen         uint64
		needProfile bool
	)
	m.update(func(s *State) bool {
		m.gen++
		gen = m.gen

		sameUser := user != nil && s.User != nil && s.User.ID == user.ID
		switch {
		case sameUser && s.Profile != nil && event != model.AuthEventUserUpdated:
			// トークン更新など同一ユーザーの通知では取得済みプロフィールを維持する
		default:
			s.Profile = model.FallbackProfile(user)
			needProfile = user != nil
		}
		s.User = user
		s.Loading = false
		if event == model.AuthEventSignedIn || event == model.AuthEventSignedOut {
			s.Error = ""
			s.ErrorKind = ""
		}
		return true
	})

	m.logger.Info("auth state changed", slog.String("event", string(event)))
	if needProfile {
		go m.loadProfile(user, gen)
	}
}

// SignIn はサインインを要求する。Loadingは変更せず、完了は認証状態変化の通知で反映される。
// 失敗時はエラーを状態に記録したうえで返す。
func (m *Manager) SignIn(ctx context.Context, creds model.Credentials) error {
	_, err := m.auth.SignIn(ctx, creds)
	return m.recordAuthError("sign in", err)
}

// SignUp は新規登録を要求する。振る舞いはSignInと同じ。
func (m *Manager) SignUp(ctx context.Context, creds model.Credentials) error {
	_, err := m.auth.SignUp(ctx, creds)
	return m.recordAuthError("sign up", err)
}

// SignOut はローカル状態を即座に破棄してからリモートのサインアウトを行う。
// リモートの結果に関わらずLoadingはfalseに戻る。
func (m *Manager) SignOut(ctx context.Context) error {
	m.update(func(s *State) bool {
		m.gen++
		s.Loading = true
		s.User = nil
		s.Profile = nil
		s.Error = ""
		s.ErrorKind = ""
		return true
	})

	err := m.auth.SignOut(ctx)

	var apiErr *model.APIError
	if err != nil {
		apiErr = robustquery.Classify(err)
		m.logger.Warn("remote sign out failed", slog.String("error", err.Error()))
	}
	m.update(func(s *State) bool {
		s.Loading = false
		if apiErr != nil {
			s.Error = apiErr.Message
			s.ErrorKind = apiErr.Kind
		}
		return true
	})
	if apiErr != nil {
		return apiErr
	}
	return nil
}

// RefreshSession はアクセストークンを更新する。
// 更新に失敗してセッションが失われた場合、状態はSIGNED_OUT通知で反映される。
func (m *Manager) RefreshSession(ctx context.Context) error {
	if m.State().User == nil {
		return nil
	}
	if _, err := m.auth.RefreshSession(ctx); err != nil {
		m.logger.Warn("session refresh failed", slog.String("error", err.Error()))
		return robustquery.Classify(err)
	}
	return nil
}

// State は現在の状態のスナップショットを返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe はリスナーを登録し、解除関数を返す。
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Dispose は認証状態変化の購読を解除し、進行中のプロフィール取得を打ち切る。
func (m *Manager) Dispose() {
	m.cancel()
	m.mu.Lock()
	unsub := m.unsubAuth
	m.unsubAuth = nil
	m.listeners = make(map[int]Listener)
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// loadProfile はリモートのプロフィールを取得し、世代が変わっていなければ反映する。
// 失敗時はフォールバックプロフィールのままにする。
func (m *Manager) loadProfile(user *model.User, gen uint64) {
	if m.data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, profileFetchTimeout)
	defer cancel()

	rows, err := m.data.Query(ctx, remote.Query{
		Table:      remote.TableProfiles,
		Conditions: []remote.Condition{remote.Eq("user_id", user.ID)},
		Limit:      1,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn("failed to load profile",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	fetched := remote.ProfileFromRow(rows[0])
	applied := false
	m.update(func(s *State) bool {
		if m.gen != gen || s.User == nil || s.User.ID != user.ID {
			return false
		}
		s.Profile = mergeProfile(s.Profile, &fetched)
		applied = true
		return true
	})
	if !applied {
		m.metrics.RecordStaleResult("session")
	}
}

// mergeProfile は取得したプロフィールの空でない項目でフォールバックを上書きする。
func mergeProfile(base, fetched *model.Profile) *model.Profile {
	out := &model.Profile{}
	if base != nil {
		*out = *base
	}
	out.UserID = fetched.UserID
	if fetched.DisplayName != "" {
		out.DisplayName = fetched.DisplayName
	}
	if fetched.AvatarURL != "" {
		out.AvatarURL = fetched.AvatarURL
	}
	if fetched.Bio != "" {
		out.Bio = fetched.Bio
	}
	if fetched.Region != "" {
		out.Region = fetched.Region
	}
	return out
}

func (m *Manager) recordAuthError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *model.APIError
	if errors.Is(err, remote.ErrInvalidCredentials) {
		apiErr = model.NewInvalidCredentialsError()
		apiErr.Err = err
	} else {
		apiErr = robustquery.Classify(err)
	}
	m.logger.Warn("authentication failed",
		slog.String("op", op),
		slog.String("kind", string(apiErr.Kind)),
		slog.String("error", err.Error()),
	)
	m.update(func(s *State) bool {
		s.Error = apiErr.Message
		s.ErrorKind = apiErr.Kind
		return true
	})
	return apiErr
}

// update は状態を変更し、変更があればリスナーへ通知する。
// fnはmuを保持した状態で呼ばれる。
func (m *Manager) update(fn func(s *State) bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if !fn(&m.state) {
		m.mu.Unlock()
		return
	}
	snapshot := m.state
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	for _, l := range fns {
		l(snapshot)
	}
}
