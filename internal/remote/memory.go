package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProcedureFunc はMemoryStoreに登録するリモートプロシージャの実装。
type ProcedureFunc func(ctx context.Context, args map[string]any) (any, error)

// uniqueKeys はテーブルごとの一意キー（複合可）。
var uniqueKeys = map[string][]string{
	TableCommunities:      {"id"},
	TableCommunityMembers: {"user_id", "community_id"},
	TableFeedPosts:        {"id"},
	TablePostLikes:        {"user_id", "post_id"},
	TableProfiles:         {"user_id"},
	"users":               {"email"},
}

type memorySubscription struct {
	topic      string
	conditions []Condition
	ch         chan ChangeEvent
}

// MemoryStore はプロセス内で完結するDataService/UserStoreの実装。
// テストとREMOTE_BACKEND=memoryのデモ起動で使用する。
type MemoryStore struct {
	mu         sync.Mutex
	tables     map[string][]Row
	procedures map[string]ProcedureFunc
	subs       map[int]*memorySubscription
	nextSubID  int
}

// NewMemoryStore は既定のプロシージャを登録したMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tables:     make(map[string][]Row),
		procedures: make(map[string]ProcedureFunc),
		subs:       make(map[int]*memorySubscription),
	}
	s.procedures[ProcIncrementMemberCount] = func(ctx context.Context, args map[string]any) (any, error) {
		return s.adjustCounter(TableCommunities, "id", fmt.Sprint(args["community_id"]), "member_count", 1)
	}
	s.procedures[ProcDecrementMemberCount] = func(ctx context.Context, args map[string]any) (any, error) {
		return s.adjustCounter(TableCommunities, "id", fmt.Sprint(args["community_id"]), "member_count", -1)
	}
	s.procedures[ProcAdjustPostLikeCount] = func(ctx context.Context, args map[string]any) (any, error) {
		delta, _ := toFloat(args["delta"])
		return s.adjustCounter(TableFeedPosts, "id", fmt.Sprint(args["post_id"]), "like_count", int(delta))
	}
	return s
}

// RegisterProcedure はプロシージャを登録（上書き）する。
func (s *MemoryStore) RegisterProcedure(name string, fn ProcedureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procedures[name] = fn
}

// Seed はテーブルに行を直接追加する。変更イベントは発行しない。
func (s *MemoryStore) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], cloneRow(r))
	}
}

// Query は条件に一致する行のコピーを返す。
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, r := range s.tables[q.Table] {
		if Matches(r, q.Conditions) {
			out = append(out, cloneRow(r))
		}
	}
	SortRows(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Mutate は行の作成・更新・削除を行う。
func (s *MemoryStore) Mutate(ctx context.Context, m Mutation) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Op {
	case MutateInsert:
		row := cloneRow(m.Values)
		if key, ok := uniqueKeys[m.Table]; ok {
			for _, existing := range s.tables[m.Table] {
				if sameKey(existing, row, key) {
					return nil, fmt.Errorf("%w: duplicate key on %s(%s)", ErrConflict, m.Table, strings.Join(key, ", "))
				}
			}
		}
		s.tables[m.Table] = append(s.tables[m.Table], row)
		s.publishLocked(m.Table, ChangeInsert, row)
		return cloneRow(row), nil

	case MutateUpdate:
		var last Row
		for _, r := range s.tables[m.Table] {
			if Matches(r, m.Conditions) {
				for k, v := range m.Values {
					r[k] = v
				}
				last = r
				s.publishLocked(m.Table, ChangeUpdate, r)
			}
		}
		if last == nil {
			return nil, fmt.Errorf("%w: no %s row matched update", ErrNotFound, m.Table)
		}
		return cloneRow(last), nil

	case MutateDelete:
		rows := s.tables[m.Table]
		kept := rows[:0]
		var removed Row
		for _, r := range rows {
			if Matches(r, m.Conditions) {
				removed = r
				s.publishLocked(m.Table, ChangeDelete, r)
				continue
			}
			kept = append(kept, r)
		}
		s.tables[m.Table] = kept
		if removed == nil {
			return nil, fmt.Errorf("%w: no %s row matched delete", ErrNotFound, m.Table)
		}
		return cloneRow(removed), nil
	}

	return nil, fmt.Errorf("unsupported mutation op: %q", m.Op)
}

// RemoteProcedure は登録済みのプロシージャを呼び出す。
func (s *MemoryStore) RemoteProcedure(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	fn, ok := s.procedures[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: procedure %s", ErrNotFound, name)
	}
	return fn(ctx, args)
}

// Subscribe はテーブル名をトピックとして変更イベントを購読する。
// 受信側が滞留している場合、イベントは破棄される。
func (s *MemoryStore) Subscribe(ctx context.Context, topic string, conditions []Condition) (<-chan ChangeEvent, error) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &memorySubscription{
		topic:      topic,
		conditions: conditions,
		ch:         make(chan ChangeEvent, 64),
	}
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch, nil
}

func (s *MemoryStore) publishLocked(topic string, typ ChangeType, row Row) {
	for _, sub := range s.subs {
		if sub.topic != topic || !Matches(row, sub.conditions) {
			continue
		}
		select {
		case sub.ch <- ChangeEvent{Topic: topic, Type: typ, Row: cloneRow(row)}:
		default:
		}
	}
}

func (s *MemoryStore) adjustCounter(table, idColumn, id, column string, delta int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables[table] {
		if RowString(r, idColumn) != id {
			continue
		}
		next := RowInt(r, column) + delta
		if next < 0 {
			next = 0
		}
		r[column] = next
		s.publishLocked(table, ChangeUpdate, r)
		return next, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
}

func sameKey(a, b Row, key []string) bool {
	for _, col := range key {
		if compareValues(a[col], b[col]) != 0 {
			return false
		}
	}
	return true
}

// --- UserStore ---

// FindUserByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*StoredUser, error) {
	return s.findUser("email", strings.ToLower(email))
}

// FindUserByID はIDでユーザーを検索する。見つからない場合はnilを返す。
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (*StoredUser, error) {
	return s.findUser("id", id)
}

// CreateUser はユーザーと初期プロフィールを作成する。メールアドレス重複時はErrConflictを返す。
func (s *MemoryStore) CreateUser(ctx context.Context, u *StoredUser) error {
	meta := make(map[string]string, len(u.Metadata))
	for k, v := range u.Metadata {
		meta[k] = v
	}
	_, err := s.Mutate(ctx, Mutation{
		Table: "users",
		Op:    MutateInsert,
		Values: Row{
			"id":            u.ID,
			"email":         strings.ToLower(u.Email),
			"password_hash": u.PasswordHash,
			"metadata":      meta,
			"created_at":    u.CreatedAt,
		},
	})
	if err != nil {
		return err
	}
	_, err = s.Mutate(ctx, Mutation{
		Table: TableProfiles,
		Op:    MutateInsert,
		Values: Row{
			"user_id":      u.ID,
			"display_name": meta["display_name"],
			"avatar_url":   meta["avatar_url"],
			"bio":          meta["bio"],
			"region":       meta["region"],
		},
	})
	return err
}

func (s *MemoryStore) findUser(column, value string) (*StoredUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables["users"] {
		if RowString(r, column) != value {
			continue
		}
		meta, _ := r["metadata"].(map[string]string)
		copied := make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		created, _ := r["created_at"].(time.Time)
		return &StoredUser{
			ID:           RowString(r, "id"),
			Email:        RowString(r, "email"),
			PasswordHash: RowString(r, "password_hash"),
			Metadata:     copied,
			CreatedAt:    created,
		}, nil
	}
	return nil, nil
}

// compile-time interface check
var (
	_ DataService = (*MemoryStore)(nil)
	_ UserStore   = (*MemoryStore)(nil)
)
