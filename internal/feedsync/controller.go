// Package feedsync はフィード投稿のカーソルページングと、いいねの楽観的更新を提供する。
package feedsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/remote"
	"github.com/hitoshi/hospiboard/internal/robustquery"
	"github.com/hitoshi/hospiboard/internal/security"
	"github.com/hitoshi/hospiboard/internal/session"
)

// DefaultPageSize は1ページあたりの投稿数。
const DefaultPageSize = 20

const metricsComponent = "feed"

// Filter はフィードの表示範囲。空の項目は絞り込まない。
type Filter struct {
	CommunityID       string `json:"community_id,omitempty"`
	Region            string `json:"region,omitempty"`
	OnlyMyCommunities bool   `json:"only_my_communities,omitempty"`
}

// CommunityScope はOnlyMyCommunitiesの解決に使う所属コミュニティの参照元。
// membership.Orchestratorが満たす。
type CommunityScope interface {
	MemberCommunityIDs() []string
}

// Viewer は閲覧者のセッション状態の参照元。session.Managerが満たす。
type Viewer interface {
	State() session.State
}

// State はフィードのスナップショット。
type State struct {
	Posts          []model.FeedPost
	HasMore        bool
	Loading        bool
	IsCreatingPost bool
	HasNewPosts    bool
	Filter         Filter
	Error          string
	ErrorKind      model.ErrorKind
}

// Listener は状態変化の通知を受け取る。
type Listener func(State)

// Options はControllerの設定値。
type Options struct {
	PageSize int
}

// likeOverride はリモート確定前のいいね状態。
// baseCount は上書き時点の確定値。確定までに変更監視で更新されたかの判定に使う。
type likeOverride struct {
	hasLiked   bool
	likeCount  int
	baseCount  int
	mutationID string
}

// entry は確定値と楽観的な上書きを分けて保持する。
type entry struct {
	post     model.FeedPost
	override *likeOverride
}

func (e *entry) view() model.FeedPost {
	p := e.post
	if e.override != nil {
		p.ViewerHasLiked = e.override.hasLiked
		p.LikeCount = e.override.likeCount
	}
	return p
}

// pageLoad は進行中のページ取得。同じ世代のLoadMoreはdoneを待って合流する。
type pageLoad struct {
	gen  uint64
	done chan struct{}
}

type page struct {
	posts   []model.FeedPost
	cursor  string
	hasMore bool
}

// Controller はフィルタ単位でフィード投稿を順にページングする。
type Controller struct {
	data      remote.DataService
	viewer    Viewer
	scope     CommunityScope
	exec      *robustquery.Executor
	sanitizer security.PostSanitizer
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	pageSize  int

	notifyMu sync.Mutex

	mu          sync.Mutex
	entries     []*entry
	index       map[string]*entry
	cursor      string
	hasMore     bool
	filter      Filter
	filterGen   uint64
	inflight    *pageLoad
	creating    bool
	hasNewPosts bool
	errMsg      string
	errKind     model.ErrorKind
	listeners   map[int]Listener
	nextID      int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController はControllerを生成する。最初のページはRefreshで取得する。
func NewController(data remote.DataService, viewer Viewer, scope CommunityScope, exec *robustquery.Executor, sanitizer security.PostSanitizer, opts Options, logger *slog.Logger, m metrics.MetricsCollector) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		data:      data,
		viewer:    viewer,
		scope:     scope,
		exec:      exec,
		sanitizer: sanitizer,
		logger:    logger,
		metrics:   m,
		pageSize:  opts.PageSize,
		index:     make(map[string]*entry),
		hasMore:   true,
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// LoadMore は次のページを取得して末尾に追加する。
// HasMoreがfalseの場合は何もしない。取得中の呼び出しは同じ取得の完了を待つ。
// ctxは待機のみを打ち切り、取得そのものは継続する。
func (c *Controller) LoadMore(ctx context.Context) {
	var (
		wait chan struct{}
		load *pageLoad
	)
	c.update(func() bool {
		if c.inflight != nil && c.inflight.gen == c.filterGen {
			wait = c.inflight.done
			return false
		}
		if !c.hasMore {
			return false
		}
		load = c.startLoadLocked()
		return true
	})
	if load != nil {
		wait = load.done
	}
	if wait == nil {
		return
	}
	select {
	case <-wait:
	case <-ctx.Done():
	}
}

// Refresh は読み込み済みのページとカーソルを破棄し、最初のページを取得し直す。
func (c *Controller) Refresh(ctx context.Context) {
	c.reload(ctx, nil)
}

// SetFilter はフィルタを切り替えて最初のページを取得する。
// 旧フィルタで進行中の取得結果は破棄される。
func (c *Controller) SetFilter(ctx context.Context, f Filter) {
	c.reload(ctx, &f)
}

func (c *Controller) reload(ctx context.Context, f *Filter) {
	var load *pageLoad
	c.update(func() bool {
		if f != nil {
			c.filter = *f
		}
		c.filterGen++
		c.entries = nil
		c.index = make(map[string]*entry)
		c.cursor = ""
		c.hasMore = true
		c.hasNewPosts = false
		c.inflight = nil
		load = c.startLoadLocked()
		return true
	})
	select {
	case <-load.done:
	case <-ctx.Done():
	}
}

// startLoadLocked はページ取得を開始する。muを保持して呼ぶ。
func (c *Controller) startLoadLocked() *pageLoad {
	load := &pageLoad{gen: c.filterGen, done: make(chan struct{})}
	c.inflight = load
	go c.fetchPage(load, c.filter, c.cursor)
	return load
}

func (c *Controller) fetchPage(load *pageLoad, filter Filter, cursor string) {
	defer close(load.done)

	var viewerID string
	if u := c.viewer.State().User; u != nil {
		viewerID = u.ID
	}
	var scopeIDs []string
	if filter.OnlyMyCommunities && c.scope != nil {
		scopeIDs = c.scope.MemberCommunityIDs()
	}

	c.metrics.RecordSyncCycle(metricsComponent)
	result, err := robustquery.Execute(c.ctx, c.exec, "feed_page", func(ctx context.Context) (page, error) {
		return c.queryPage(ctx, filter, scopeIDs, cursor, viewerID)
	})

	stale := false
	c.update(func() bool {
		if c.inflight == load {
			c.inflight = nil
		}
		if load.gen != c.filterGen {
			stale = true
			return false
		}
		if err != nil {
			apiErr := robustquery.Classify(err)
			c.errMsg, c.errKind = apiErr.Message, apiErr.Kind
			return true
		}
		for _, p := range result.posts {
			if _, dup := c.index[p.ID]; dup {
				continue
			}
			e := &entry{post: p}
			c.entries = append(c.entries, e)
			c.index[p.ID] = e
		}
		if result.cursor != "" {
			c.cursor = result.cursor
		}
		c.hasMore = result.hasMore
		c.errMsg, c.errKind = "", ""
		return true
	})
	if stale {
		c.metrics.RecordStaleResult(metricsComponent)
		c.logger.Debug("discarded stale feed page", slog.Uint64("generation", load.gen))
	}
}

// queryPage は1ページ分の投稿と閲覧者のいいね状態を取得する。
// PageSize+1件を要求して次ページの有無を判定する。
func (c *Controller) queryPage(ctx context.Context, filter Filter, scopeIDs []string, cursor, viewerID string) (page, error) {
	var conds []remote.Condition
	if filter.CommunityID != "" {
		conds = append(conds, remote.Eq("community_id", filter.CommunityID))
	}
	if filter.Region != "" {
		conds = append(conds, remote.Eq("region", filter.Region))
	}
	if filter.OnlyMyCommunities {
		if len(scopeIDs) == 0 {
			return page{posts: []model.FeedPost{}}, nil
		}
		conds = append(conds, remote.In("community_id", scopeIDs...))
	}
	if cursor != "" {
		before, beforeID, err := decodeCursor(cursor)
		if err != nil {
			return page{}, model.NewInvalidRequestError(err.Error())
		}
		conds = append(conds, remote.Before("created_at", before, "id", beforeID))
	}

	rows, err := c.data.Query(ctx, remote.Query{
		Table:      remote.TableFeedPosts,
		Conditions: conds,
		OrderBy:    []remote.Order{{Column: "created_at", Desc: true}, {Column: "id", Desc: true}},
		Limit:      c.pageSize + 1,
	})
	if err != nil {
		return page{}, err
	}

	result := page{hasMore: len(rows) > c.pageSize}
	if result.hasMore {
		rows = rows[:c.pageSize]
	}
	result.posts = make([]model.FeedPost, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		p := remote.PostFromRow(r)
		result.posts = append(result.posts, p)
		ids = append(ids, p.ID)
	}
	if n := len(result.posts); n > 0 {
		last := result.posts[n-1]
		result.cursor = encodeCursor(last.CreatedAt, last.ID)
	}

	if viewerID != "" && len(ids) > 0 {
		likes, err := c.data.Query(ctx, remote.Query{
			Table:      remote.TablePostLikes,
			Conditions: []remote.Condition{remote.Eq("user_id", viewerID), remote.In("post_id", ids...)},
		})
		if err != nil {
			return page{}, err
		}
		liked := make(map[string]bool, len(likes))
		for _, l := range likes {
			liked[remote.RowString(l, "post_id")] = true
		}
		for i := range result.posts {
			result.posts[i].ViewerHasLiked = liked[result.posts[i].ID]
		}
	}
	return result, nil
}

// ToggleLike はいいね状態を楽観的に反転し、リモートで確定させる。
// リモートが失敗した場合は反転前の値に戻し、エラーを状態に記録する。
// 同じ投稿の確定待ちの間に呼ばれた場合は状態を変えずに MUTATION_PENDING を返す。
// 反転を開始した時点で以前のエラーは消去する。成功時はnilを返す。
func (c *Controller) ToggleLike(ctx context.Context, postID string) *model.APIError {
	user := c.viewer.State().User
	if user == nil {
		apiErr := model.NewUnauthenticatedError()
		c.setError(apiErr)
		return apiErr
	}

	mutationID := uuid.NewString()
	var (
		found   bool
		pending bool
		liked   bool
	)
	c.update(func() bool {
		e, ok := c.index[postID]
		if !ok {
			return false
		}
		found = true
		if e.override != nil {
			pending = true
			return false
		}
		cur := e.view()
		liked = !cur.ViewerHasLiked
		count := cur.LikeCount - 1
		if liked {
			count = cur.LikeCount + 1
		}
		if count < 0 {
			count = 0
		}
		e.override = &likeOverride{hasLiked: liked, likeCount: count, baseCount: e.post.LikeCount, mutationID: mutationID}
		c.errMsg, c.errKind = "", ""
		return true
	})
	if !found {
		apiErr := model.NewPostNotFoundError(postID)
		c.setError(apiErr)
		return apiErr
	}
	if pending {
		return model.NewMutationPendingError()
	}

	var err error
	delta := -1
	if liked {
		delta = 1
		_, err = c.data.Mutate(ctx, remote.Mutation{
			Table: remote.TablePostLikes,
			Op:    remote.MutateInsert,
			Values: remote.Row{
				"user_id":    user.ID,
				"post_id":    postID,
				"created_at": time.Now().UTC(),
			},
		})
	} else {
		_, err = c.data.Mutate(ctx, remote.Mutation{
			Table: remote.TablePostLikes,
			Op:    remote.MutateDelete,
			Conditions: []remote.Condition{
				remote.Eq("user_id", user.ID),
				remote.Eq("post_id", postID),
			},
		})
	}
	if err == nil {
		if _, perr := c.data.RemoteProcedure(ctx, remote.ProcAdjustPostLikeCount, map[string]any{
			"post_id": postID,
			"delta":   delta,
		}); perr != nil {
			c.metrics.RecordCounterAdjustFailure(remote.ProcAdjustPostLikeCount)
			c.logger.Warn("like count adjustment failed",
				slog.String("post_id", postID),
				slog.String("error", perr.Error()),
			)
		}
	}

	var apiErr *model.APIError
	if err != nil {
		apiErr = robustquery.Classify(err)
	}

	reverted := false
	c.update(func() bool {
		e, ok := c.index[postID]
		if !ok || e.override == nil || e.override.mutationID != mutationID {
			return false
		}
		if apiErr != nil {
			e.override = nil
			c.errMsg, c.errKind = apiErr.Message, apiErr.Kind
			reverted = true
			return true
		}
		e.post.ViewerHasLiked = e.override.hasLiked
		// 確定待ちの間に変更監視が件数を更新していればそちらを正とする
		if e.post.LikeCount == e.override.baseCount {
			e.post.LikeCount = e.override.likeCount
		}
		e.override = nil
		return true
	})

	if apiErr != nil {
		if reverted {
			c.metrics.RecordOptimisticRevert()
		}
		c.logger.Warn("like toggle failed",
			slog.String("post_id", postID),
			slog.Bool("liked", liked),
			slog.String("error", err.Error()),
		)
		return apiErr
	}
	return nil
}

// ValidatePost は投稿入力を無害化し、本文の長さを検証する。
// 無害化後の入力を返す。
func (c *Controller) ValidatePost(in model.NewPost) (model.NewPost, *model.APIError) {
	in.Content = c.sanitizer.SanitizeContent(in.Content)
	switch n := security.ContentLength(in.Content); {
	case n == 0:
		return in, model.NewInvalidRequestError("本文が空です")
	case n > security.MaxPostLength:
		return in, model.NewInvalidRequestError(fmt.Sprintf("本文は%d文字以内で入力してください", security.MaxPostLength))
	}
	in.MediaRefs = c.sanitizer.SanitizeMediaRefs(in.MediaRefs)
	return in, nil
}

// CreatePost は投稿を作成する。作成中はIsCreatingPostがtrueになる。
// 作成した投稿は次のRefreshで表示される。
func (c *Controller) CreatePost(ctx context.Context, in model.NewPost) bool {
	vs := c.viewer.State()
	if vs.User == nil {
		c.setError(model.NewUnauthenticatedError())
		return false
	}

	in, apiErr := c.ValidatePost(in)
	if apiErr != nil {
		c.setError(apiErr)
		return false
	}

	authorName := vs.User.Email
	if vs.Profile != nil && vs.Profile.DisplayName != "" {
		authorName = vs.Profile.DisplayName
	}
	values := remote.Row{
		"id":            uuid.NewString(),
		"author_id":     vs.User.ID,
		"author_name":   authorName,
		"region":        in.Region,
		"content":       in.Content,
		"media_refs":    in.MediaRefs,
		"like_count":    0,
		"comment_count": 0,
		"created_at":    time.Now().UTC(),
	}
	if in.CommunityID != nil && *in.CommunityID != "" {
		values["community_id"] = *in.CommunityID
	} else {
		values["community_id"] = nil
	}

	c.update(func() bool {
		c.creating = true
		return true
	})

	_, err := c.data.Mutate(ctx, remote.Mutation{
		Table:  remote.TableFeedPosts,
		Op:     remote.MutateInsert,
		Values: values,
	})

	c.update(func() bool {
		c.creating = false
		if err != nil {
			apiErr := robustquery.Classify(err)
			c.errMsg, c.errKind = apiErr.Message, apiErr.Kind
		} else {
			c.errMsg, c.errKind = "", ""
		}
		return true
	})

	if err != nil {
		c.logger.Warn("post creation failed",
			slog.String("author_id", vs.User.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.logger.Info("post created", slog.String("post_id", fmt.Sprint(values["id"])))
	return true
}

// Watch はfeed_postsの変更を購読する。
// 現在のフィルタに一致する新規投稿があればHasNewPostsを立て、
// 読み込み済み投稿のカウンター更新は確定値に反映する。
func (c *Controller) Watch(ctx context.Context) error {
	ch, err := c.data.Subscribe(ctx, remote.TableFeedPosts, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe feed changes: %w", err)
	}

	go func() {
		for ev := range ch {
			c.applyChange(ev)
		}
	}()
	return nil
}

func (c *Controller) applyChange(ev remote.ChangeEvent) {
	id := remote.RowString(ev.Row, "id")

	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()
	var scopeIDs []string
	if filter.OnlyMyCommunities && c.scope != nil {
		scopeIDs = c.scope.MemberCommunityIDs()
	}

	c.update(func() bool {
		switch ev.Type {
		case remote.ChangeInsert:
			if c.hasNewPosts || c.index[id] != nil || !matchesFilter(ev.Row, filter, scopeIDs) {
				return false
			}
			c.hasNewPosts = true
			return true
		case remote.ChangeUpdate:
			e, ok := c.index[id]
			if !ok {
				return false
			}
			e.post.LikeCount = remote.RowInt(ev.Row, "like_count")
			e.post.CommentCount = remote.RowInt(ev.Row, "comment_count")
			return true
		}
		return false
	})
}

func matchesFilter(row remote.Row, f Filter, scopeIDs []string) bool {
	if f.CommunityID != "" && remote.RowString(row, "community_id") != f.CommunityID {
		return false
	}
	if f.Region != "" && remote.RowString(row, "region") != f.Region {
		return false
	}
	if f.OnlyMyCommunities && !slices.Contains(scopeIDs, remote.RowString(row, "community_id")) {
		return false
	}
	return true
}

func (c *Controller) setError(apiErr *model.APIError) {
	c.update(func() bool {
		c.errMsg, c.errKind = apiErr.Message, apiErr.Kind
		return true
	})
}

// State は現在の状態のスナップショットを返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	posts := make([]model.FeedPost, 0, len(c.entries))
	for _, e := range c.entries {
		posts = append(posts, e.view())
	}
	return State{
		Posts:          posts,
		HasMore:        c.hasMore,
		Loading:        c.inflight != nil,
		IsCreatingPost: c.creating,
		HasNewPosts:    c.hasNewPosts,
		Filter:         c.filter,
		Error:          c.errMsg,
		ErrorKind:      c.errKind,
	}
}

// Subscribe はリスナーを登録し、解除関数を返す。
func (c *Controller) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close は進行中の取得を打ち切る。
func (c *Controller) Close() {
	c.cancel()
}

func (c *Controller) update(fn func() bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !fn() {
		c.mu.Unlock()
		return
	}
	snapshot := c.snapshotLocked()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, l := range fns {
		l(snapshot)
	}
}
