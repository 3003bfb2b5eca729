package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

// tableSpec はPostgresStoreが扱えるテーブルの列定義。
type tableSpec struct {
	columns      []string
	arrayColumns map[string]bool
}

// postgresTables は公開を許可したテーブルの許可リスト。
// 列名はSQLに直接埋め込むため、ここに列挙されたもの以外は拒否する。
var postgresTables = map[string]tableSpec{
	TableCommunities: {
		columns: []string{"id", "slug", "name", "description", "is_public", "member_count", "avatar_url", "banner_url", "created_at"},
	},
	TableCommunityMembers: {
		columns: []string{"user_id", "community_id", "joined_at"},
	},
	TableFeedPosts: {
		columns:      []string{"id", "author_id", "author_name", "community_id", "region", "content", "media_refs", "like_count", "comment_count", "created_at"},
		arrayColumns: map[string]bool{"media_refs": true},
	},
	TablePostLikes: {
		columns: []string{"user_id", "post_id", "created_at"},
	},
	TableProfiles: {
		columns: []string{"user_id", "display_name", "avatar_url", "bio", "region"},
	},
}

// postgresProcedures はリモートプロシージャ名とSQL関数呼び出しの対応。
// 引数はargsから列挙順に取り出す。
var postgresProcedures = map[string]struct {
	sql  string
	args []string
}{
	ProcIncrementMemberCount: {sql: `SELECT increment_member_count($1)`, args: []string{"community_id"}},
	ProcDecrementMemberCount: {sql: `SELECT decrement_member_count($1)`, args: []string{"community_id"}},
	ProcAdjustPostLikeCount:  {sql: `SELECT adjust_post_like_count($1, $2)`, args: []string{"post_id", "delta"}},
}

// PostgresStore はPostgreSQLを使用したDataService/UserStore実装。
// 変更イベントはトリガーが発行するNOTIFYをpq.Listenerで受信する。
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
}

// NewPostgresStore はPostgresStoreを生成する。
// databaseURLはSubscribe用のLISTEN接続に使用する。
func NewPostgresStore(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, databaseURL: databaseURL, logger: logger}
}

// Query は条件に一致する行を返す。
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Row, error) {
	spec, ok := postgresTables[q.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(spec.columns, ", "), q.Table)

	where, args, err := buildWhere(spec, q.Conditions, 1)
	if err != nil {
		return nil, err
	}
	b.WriteString(where)

	if len(q.OrderBy) > 0 {
		parts := make([]string, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			if !spec.has(o.Column) {
				return nil, fmt.Errorf("unknown order column %s.%s", q.Table, o.Column)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, translateError(fmt.Errorf("%sの取得に失敗しました: %w", q.Table, err))
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows, spec)
		if err != nil {
			return nil, translateError(fmt.Errorf("%s行の読み取りに失敗しました: %w", q.Table, err))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(fmt.Errorf("%sの走査に失敗しました: %w", q.Table, err))
	}
	return out, nil
}

// Mutate は行の作成・更新・削除を行い、RETURNINGで影響行を返す。
func (s *PostgresStore) Mutate(ctx context.Context, m Mutation) (Row, error) {
	spec, ok := postgresTables[m.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
	}

	var (
		query string
		args  []any
	)
	returning := " RETURNING " + strings.Join(spec.columns, ", ")

	switch m.Op {
	case MutateInsert:
		cols, vals, err := spec.values(m.Values)
		if err != nil {
			return nil, err
		}
		placeholders := make([]string, len(cols))
		for i := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
			m.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), returning)
		args = vals

	case MutateUpdate:
		cols, vals, err := spec.values(m.Values)
		if err != nil {
			return nil, err
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		}
		where, whereArgs, err := buildWhere(spec, m.Conditions, len(vals)+1)
		if err != nil {
			return nil, err
		}
		query = fmt.Sprintf("UPDATE %s SET %s%s%s", m.Table, strings.Join(sets, ", "), where, returning)
		args = append(vals, whereArgs...)

	case MutateDelete:
		where, whereArgs, err := buildWhere(spec, m.Conditions, 1)
		if err != nil {
			return nil, err
		}
		if where == "" {
			return nil, fmt.Errorf("delete on %s requires conditions", m.Table)
		}
		query = fmt.Sprintf("DELETE FROM %s%s%s", m.Table, where, returning)
		args = whereArgs

	default:
		return nil, fmt.Errorf("unsupported mutation op: %q", m.Op)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(fmt.Errorf("%sの%sに失敗しました: %w", m.Table, m.Op, err))
	}
	defer rows.Close()

	var last Row
	for rows.Next() {
		row, err := scanRow(rows, spec)
		if err != nil {
			return nil, translateError(fmt.Errorf("%s行の読み取りに失敗しました: %w", m.Table, err))
		}
		last = row
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(fmt.Errorf("%sの%sに失敗しました: %w", m.Table, m.Op, err))
	}
	if last == nil {
		return nil, fmt.Errorf("%w: no %s row matched %s", ErrNotFound, m.Table, m.Op)
	}
	return last, nil
}

// RemoteProcedure は許可リストに登録されたSQL関数を呼び出す。
func (s *PostgresStore) RemoteProcedure(ctx context.Context, name string, args map[string]any) (any, error) {
	proc, ok := postgresProcedures[name]
	if !ok {
		return nil, fmt.Errorf("%w: procedure %s", ErrNotFound, name)
	}
	params := make([]any, len(proc.args))
	for i, key := range proc.args {
		v, ok := args[key]
		if !ok {
			return nil, fmt.Errorf("procedure %s: missing argument %s", name, key)
		}
		params[i] = v
	}

	var result any
	if err := s.db.QueryRowContext(ctx, proc.sql, params...).Scan(&result); err != nil {
		return nil, translateError(fmt.Errorf("プロシージャ%sの呼び出しに失敗しました: %w", name, err))
	}
	return result, nil
}

// notifyPayload はトリガーがpg_notifyで送るJSONペイロード。
type notifyPayload struct {
	Type ChangeType     `json:"type"`
	Row  map[string]any `json:"row"`
}

// Subscribe はテーブル名と同名のNOTIFYチャネルをLISTENし、変更イベントを配信する。
func (s *PostgresStore) Subscribe(ctx context.Context, topic string, conditions []Condition) (<-chan ChangeEvent, error) {
	if _, ok := postgresTables[topic]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, topic)
	}

	listener := pq.NewListener(s.databaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("change listener event",
				slog.String("topic", topic),
				slog.Int("event", int(ev)),
				slog.String("error", err.Error()),
			)
		}
	})
	if err := listener.Listen(topic); err != nil {
		listener.Close()
		return nil, translateError(fmt.Errorf("LISTEN %s に失敗しました: %w", topic, err))
	}

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// 再接続直後はnilが通知される
				if n == nil {
					continue
				}
				var p notifyPayload
				if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
					s.logger.Warn("invalid change payload",
						slog.String("topic", topic),
						slog.String("error", err.Error()),
					)
					continue
				}
				row := normalizeJSONRow(p.Row)
				if !Matches(row, conditions) {
					continue
				}
				select {
				case out <- ChangeEvent{Topic: topic, Type: p.Type, Row: row}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// --- UserStore ---

// FindUserByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*StoredUser, error) {
	return s.findUser(ctx, `SELECT id, email, password_hash, metadata, created_at FROM users WHERE email = $1`, email)
}

// FindUserByID はIDでユーザーを検索する。見つからない場合はnilを返す。
func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (*StoredUser, error) {
	return s.findUser(ctx, `SELECT id, email, password_hash, metadata, created_at FROM users WHERE id = $1`, id)
}

// CreateUser はユーザーと初期プロフィールを同一トランザクションで作成する。
func (s *PostgresStore) CreateUser(ctx context.Context, u *StoredUser) error {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode user metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, metadata, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, meta, u.CreatedAt,
	); err != nil {
		return translateError(fmt.Errorf("failed to create user: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name, avatar_url, bio, region) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Metadata["display_name"], u.Metadata["avatar_url"], u.Metadata["bio"], u.Metadata["region"],
	); err != nil {
		return translateError(fmt.Errorf("failed to create profile: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return translateError(fmt.Errorf("failed to commit user creation: %w", err))
	}
	return nil
}

func (s *PostgresStore) findUser(ctx context.Context, query string, arg string) (*StoredUser, error) {
	u := &StoredUser{}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &meta, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to find user: %w", err))
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &u.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	return u, nil
}

// --- helpers ---

func (t tableSpec) has(column string) bool {
	for _, c := range t.columns {
		if c == column {
			return true
		}
	}
	return false
}

// values は許可リストの列順でValuesを並べる。未知の列はエラーとする。
func (t tableSpec) values(values Row) ([]string, []any, error) {
	for k := range values {
		if !t.has(k) {
			return nil, nil, fmt.Errorf("unknown column %s", k)
		}
	}
	var (
		cols []string
		vals []any
	)
	for _, c := range t.columns {
		v, ok := values[c]
		if !ok {
			continue
		}
		if t.arrayColumns[c] {
			if s, ok := v.([]string); ok {
				v = pq.Array(s)
			}
		}
		cols = append(cols, c)
		vals = append(vals, v)
	}
	if len(cols) == 0 {
		return nil, nil, errors.New("mutation has no values")
	}
	return cols, vals, nil
}

func buildWhere(spec tableSpec, conditions []Condition, firstParam int) (string, []any, error) {
	if len(conditions) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(conditions))
	args := make([]any, 0, len(conditions))
	n := firstParam
	for _, c := range conditions {
		if !spec.has(c.Column) {
			return "", nil, fmt.Errorf("unknown condition column %s", c.Column)
		}
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				parts = append(parts, c.Column+" IS NULL")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s = $%d", c.Column, n))
		case OpIn:
			values, _ := c.Value.([]string)
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", c.Column, n))
			args = append(args, pq.Array(values))
			n++
			continue
		case OpLt:
			parts = append(parts, fmt.Sprintf("%s < $%d", c.Column, n))
		case OpGt:
			parts = append(parts, fmt.Sprintf("%s > $%d", c.Column, n))
		case OpBefore:
			ks, ok := c.Value.(Keyset)
			if !ok || !spec.has(ks.TieColumn) {
				return "", nil, fmt.Errorf("invalid keyset condition on %s", c.Column)
			}
			parts = append(parts, fmt.Sprintf("(%s < $%d OR (%s = $%d AND %s < $%d))",
				c.Column, n, c.Column, n, ks.TieColumn, n+1))
			args = append(args, ks.Value, ks.Tie)
			n += 2
			continue
		default:
			return "", nil, fmt.Errorf("unsupported condition op: %q", c.Op)
		}
		args = append(args, c.Value)
		n++
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func scanRow(rows *sql.Rows, spec tableSpec) (Row, error) {
	dest := make([]any, len(spec.columns))
	holders := make([]any, len(spec.columns))
	arrays := make(map[int]*pq.StringArray)
	for i, c := range spec.columns {
		if spec.arrayColumns[c] {
			arr := &pq.StringArray{}
			arrays[i] = arr
			dest[i] = arr
			continue
		}
		dest[i] = &holders[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	row := make(Row, len(spec.columns))
	for i, c := range spec.columns {
		if arr, ok := arrays[i]; ok {
			row[c] = []string(*arr)
			continue
		}
		v := holders[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[c] = v
	}
	return row, nil
}

// normalizeJSONRow はNOTIFYペイロードの値をQueryの戻り値と同じ型に揃える。
func normalizeJSONRow(in map[string]any) Row {
	row := make(Row, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, val); err == nil && strings.HasSuffix(k, "_at") {
				row[k] = t
				continue
			}
		case []any:
			strs := make([]string, 0, len(val))
			for _, e := range val {
				strs = append(strs, fmt.Sprint(e))
			}
			row[k] = strs
			continue
		}
		row[k] = v
	}
	return row
}

// translateError はドライバのエラーをリモート層の分類済みエラーでラップする。
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// compile-time interface check
var (
	_ DataService = (*PostgresStore)(nil)
	_ UserStore   = (*PostgresStore)(nil)
)
