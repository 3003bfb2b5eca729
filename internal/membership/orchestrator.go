// Package membership はログインユーザーの所属コミュニティ一覧と公開コミュニティ一覧を
// リモートと同期する。一覧の変更は参加・退会操作を通じてのみ行う。
package membership

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/remote"
	"github.com/hitoshi/hospiboard/internal/robustquery"
	"github.com/hitoshi/hospiboard/internal/session"
)

// DefaultDebounce はRefreshのデバウンス間隔。
const DefaultDebounce = 100 * time.Millisecond

const metricsComponent = "membership"

// Phase は同期処理の段階。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDebouncing Phase = "debouncing"
	PhaseFetching   Phase = "fetching"
	// PhaseDisabled は認証状態の確定待ち。
	PhaseDisabled Phase = "disabled"
)

// State は一覧と同期状態のスナップショット。
// スライスは共有されるため、受け取った側で変更してはならない。
type State struct {
	MyCommunities     []model.Community
	PublicCommunities []model.Community
	Loading           bool
	Phase             Phase
	Error             string
	ErrorKind         model.ErrorKind
}

// Listener は状態変化の通知を受け取る。
type Listener func(State)

// Options はOrchestratorの設定値。
type Options struct {
	Debounce time.Duration
}

// AuthSource はセッション状態の参照元。session.Managerが満たす。
type AuthSource interface {
	State() session.State
	Subscribe(fn session.Listener) func()
}

type listKind int

const (
	listMine listKind = iota
	listPublic
)

// Orchestrator は認証状態に連動し、デバウンスされたRefreshで2つの一覧を同期する。
type Orchestrator struct {
	auth     AuthSource
	data     remote.DataService
	exec     *robustquery.Executor
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	debounce time.Duration

	notifyMu sync.Mutex

	mu    sync.Mutex
	state State
	timer *time.Timer
	// scheduledGen はRefreshごとに増加する。発火時に最新でなければ破棄する。
	scheduledGen uint64
	// firedGen は最後に発火した同期サイクル。pendingはその未完了フェッチ数。
	firedGen uint64
	pending  int
	cycleErr *model.APIError
	// 一覧ごとに適用済みの世代。これより古い結果は破棄する。
	mineGen   uint64
	publicGen uint64

	listeners map[int]Listener
	nextID    int

	unsubAuth   func()
	seenAuth    bool
	lastLoading bool
	lastUserID  string
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator はOrchestratorを生成する。認証状態への追従はAttachで開始する。
func NewOrchestrator(auth AuthSource, data remote.DataService, exec *robustquery.Executor, opts Options, logger *slog.Logger, m metrics.MetricsCollector) *Orchestrator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		auth:      auth,
		data:      data,
		exec:      exec,
		logger:    logger,
		metrics:   m,
		debounce:  opts.Debounce,
		state:     State{Phase: PhaseIdle},
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach はセッション状態の購読を開始する。
// 認証状態が確定したとき、またはユーザーが切り替わったときにRefreshする。
func (o *Orchestrator) Attach() {
	unsub := o.auth.Subscribe(o.onAuthState)
	o.mu.Lock()
	o.unsubAuth = unsub
	o.mu.Unlock()
	o.onAuthState(o.auth.State())
}

func (o *Orchestrator) onAuthState(s session.State) {
	userID := ""
	if s.User != nil {
		userID = s.User.ID
	}

	o.mu.Lock()
	seen, prevLoading, prevUser := o.seenAuth, o.lastLoading, o.lastUserID
	o.seenAuth, o.lastLoading, o.lastUserID = true, s.Loading, userID
	o.mu.Unlock()

	if s.Loading {
		o.disable()
		return
	}
	if !seen || prevLoading || prevUser != userID {
		o.Refresh()
	}
}

// disable は保留中のRefreshを取り消し、認証待ちの状態にする。
func (o *Orchestrator) disable() {
	o.update(func(s *State) bool {
		if o.closed {
			return false
		}
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
			o.scheduledGen++
		}
		s.Phase = PhaseDisabled
		if o.pending == 0 {
			s.Loading = false
		}
		return true
	})
}

// Refresh は同期をデバウンス付きで予約する。保留中の予約は取り消される。
// 認証状態の確定前は何もしない。
func (o *Orchestrator) Refresh() {
	authLoading := o.auth.State().Loading

	o.update(func(s *State) bool {
		if o.closed {
			return false
		}
		if authLoading {
			s.Phase = PhaseDisabled
			return true
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		o.scheduledGen++
		gen := o.scheduledGen
		o.timer = time.AfterFunc(o.debounce, func() { o.fire(gen) })
		s.Loading = true
		if s.Phase != PhaseFetching {
			s.Phase = PhaseDebouncing
		}
		return true
	})
}

// fire はデバウンス期間の経過後に2つのフェッチを並行に開始する。
func (o *Orchestrator) fire(gen uint64) {
	authState := o.auth.State()

	start := false
	o.update(func(s *State) bool {
		if o.closed || gen != o.scheduledGen {
			return false
		}
		o.timer = nil
		if authState.Loading {
			s.Phase = PhaseDisabled
			if o.pending == 0 {
				s.Loading = false
			}
			return true
		}
		o.firedGen = gen
		o.pending = 2
		o.cycleErr = nil
		s.Phase = PhaseFetching
		s.Loading = true
		start = true
		return true
	})
	if !start {
		return
	}

	o.metrics.RecordSyncCycle(metricsComponent)
	o.logger.Debug("membership sync started", slog.Uint64("generation", gen))

	user := authState.User
	go func() {
		if user == nil {
			o.settle(gen, listMine, []model.Community{}, nil)
			return
		}
		list, err := robustquery.Execute(o.ctx, o.exec, "my_communities", func(ctx context.Context) ([]model.Community, error) {
			return o.fetchMine(ctx, user.ID)
		})
		o.settle(gen, listMine, list, err)
	}()
	go func() {
		list, err := robustquery.Execute(o.ctx, o.exec, "public_communities", o.fetchPublic)
		o.settle(gen, listPublic, list, err)
	}()
}

func (o *Orchestrator) fetchMine(ctx context.Context, userID string) ([]model.Community, error) {
	rows, err := o.data.Query(ctx, remote.Query{
		Table:      remote.TableCommunityMembers,
		Conditions: []remote.Condition{remote.Eq("user_id", userID)},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []model.Community{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, remote.RowString(r, "community_id"))
	}

	rows, err = o.data.Query(ctx, remote.Query{
		Table:      remote.TableCommunities,
		Conditions: []remote.Condition{remote.In("id", ids...)},
		OrderBy:    []remote.Order{{Column: "name"}},
	})
	if err != nil {
		return nil, err
	}
	return toCommunities(rows), nil
}

func (o *Orchestrator) fetchPublic(ctx context.Context) ([]model.Community, error) {
	rows, err := o.data.Query(ctx, remote.Query{
		Table:      remote.TableCommunities,
		Conditions: []remote.Condition{remote.Eq("is_public", true)},
		OrderBy:    []remote.Order{{Column: "member_count", Desc: true}, {Column: "name"}},
	})
	if err != nil {
		return nil, err
	}
	return toCommunities(rows), nil
}

// settle はフェッチ結果を適用する。適用済みの世代より古い結果は破棄する。
// 最新サイクルの2つのフェッチが揃った時点でLoadingを解除する。
func (o *Orchestrator) settle(gen uint64, kind listKind, list []model.Community, err error) {
	stale := false
	o.update(func(s *State) bool {
		if o.closed {
			return false
		}
		applied := &o.mineGen
		if kind == listPublic {
			applied = &o.publicGen
		}

		if gen < *applied {
			stale = true
		} else if err == nil {
			*applied = gen
			if kind == listMine {
				s.MyCommunities = list
			} else {
				s.PublicCommunities = list
			}
		} else if gen == o.firedGen {
			apiErr := robustquery.Classify(err)
			o.cycleErr = apiErr
			s.Error = apiErr.Message
			s.ErrorKind = apiErr.Kind
		}

		if gen == o.firedGen && o.pending > 0 {
			o.pending--
			if o.pending == 0 {
				if o.cycleErr == nil {
					s.Error = ""
					s.ErrorKind = ""
				}
				if o.timer != nil {
					s.Phase = PhaseDebouncing
				} else {
					s.Loading = false
					if s.Phase != PhaseDisabled {
						s.Phase = PhaseIdle
					}
				}
			}
		}
		return true
	})

	if stale {
		o.metrics.RecordStaleResult(metricsComponent)
		o.logger.Debug("discarded stale membership result", slog.Uint64("generation", gen))
	}
}

// JoinCommunity はコミュニティに参加する。
// 参加行の作成後にメンバー数を加算し、Refreshを予約する。
// 戻り値は参加行の作成結果のみを反映し、メンバー数の加算失敗はログに残すだけとする。
func (o *Orchestrator) JoinCommunity(ctx context.Context, communityID string) bool {
	return o.mutateMembership(ctx, communityID, true)
}

// LeaveCommunity はコミュニティから退会する。振る舞いはJoinCommunityと対称。
func (o *Orchestrator) LeaveCommunity(ctx context.Context, communityID string) bool {
	return o.mutateMembership(ctx, communityID, false)
}

func (o *Orchestrator) mutateMembership(ctx context.Context, communityID string, join bool) bool {
	user := o.auth.State().User
	if user == nil {
		o.setError(model.NewUnauthenticatedError())
		return false
	}

	var (
		mutation remote.Mutation
		proc     string
		op       = "leave"
	)
	if join {
		op = "join"
		mutation = remote.Mutation{
			Table: remote.TableCommunityMembers,
			Op:    remote.MutateInsert,
			Values: remote.Row{
				"user_id":      user.ID,
				"community_id": communityID,
				"joined_at":    time.Now().UTC(),
			},
		}
		proc = remote.ProcIncrementMemberCount
	} else {
		mutation = remote.Mutation{
			Table: remote.TableCommunityMembers,
			Op:    remote.MutateDelete,
			Conditions: []remote.Condition{
				remote.Eq("user_id", user.ID),
				remote.Eq("community_id", communityID),
			},
		}
		proc = remote.ProcDecrementMemberCount
	}

	if _, err := o.data.Mutate(ctx, mutation); err != nil {
		apiErr := robustquery.Classify(err)
		o.logger.Warn("membership mutation failed",
			slog.String("op", op),
			slog.String("user_id", user.ID),
			slog.String("community_id", communityID),
			slog.String("error", err.Error()),
		)
		o.setError(apiErr)
		return false
	}

	if _, err := o.data.RemoteProcedure(ctx, proc, map[string]any{"community_id": communityID}); err != nil {
		o.metrics.RecordCounterAdjustFailure(proc)
		o.logger.Warn("member count adjustment failed",
			slog.String("procedure", proc),
			slog.String("community_id", communityID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.Info("membership changed",
		slog.String("op", op),
		slog.String("user_id", user.ID),
		slog.String("community_id", communityID),
	)
	o.update(func(s *State) bool {
		s.Error = ""
		s.ErrorKind = ""
		return true
	})
	o.Refresh()
	return true
}

func (o *Orchestrator) setError(apiErr *model.APIError) {
	o.update(func(s *State) bool {
		s.Error = apiErr.Message
		s.ErrorKind = apiErr.Kind
		return true
	})
}

// IsMember は最新の所属一覧にコミュニティが含まれるかを返す。
func (o *Orchestrator) IsMember(communityID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.ContainsFunc(o.state.MyCommunities, func(c model.Community) bool {
		return c.ID == communityID
	})
}

// MemberCommunityIDs は最新の所属一覧のコミュニティIDを返す。
func (o *Orchestrator) MemberCommunityIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.state.MyCommunities))
	for _, c := range o.state.MyCommunities {
		ids = append(ids, c.ID)
	}
	return ids
}

// State は現在の状態のスナップショットを返す。
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe はリスナーを登録し、解除関数を返す。
func (o *Orchestrator) Subscribe(fn Listener) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Close は保留中のRefreshを取り消し、セッション状態の購読を解除する。
// 進行中のフェッチの結果は破棄される。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	unsub := o.unsubAuth
	o.unsubAuth = nil
	o.mu.Unlock()

	o.cancel()
	if unsub != nil {
		unsub()
	}
}

func (o *Orchestrator) update(fn func(s *State) bool) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	if !fn(&o.state) {
		o.mu.Unlock()
		return
	}
	snapshot := o.state
	ids := make([]int, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.listeners[id])
	}
	o.mu.Unlock()

	for _, l := range fns {
		l(snapshot)
	}
}

func toCommunities(rows []remote.Row) []model.Community {
	out := make([]model.Community, 0, len(rows))
	for _, r := range rows {
		out = append(out, remote.CommunityFromRow(r))
	}
	return out
}
