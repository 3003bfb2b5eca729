// Package remote はリモートデータサービス（バックエンド）との境界を定義する。
// テーブル単位のクエリ、ミューテーション、リモートプロシージャ、変更イベント購読、
// 認証操作を抽象化し、バックエンドの具体的なスキーマや転送方式を隠蔽する。
package remote

import (
	"context"
	"errors"

	"github.com/hitoshi/hospiboard/internal/model"
)

// バックエンド実装が返す分類済みエラー。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrNotFound は対象の行やプロシージャが存在しない場合。
	ErrNotFound = errors.New("remote: not found")
	// ErrConflict は一意制約違反などの整合性エラー。
	ErrConflict = errors.New("remote: conflict")
	// ErrUnavailable はバックエンドに到達できない場合。
	ErrUnavailable = errors.New("remote: unavailable")
	// ErrInvalidCredentials は認証情報の不一致。
	ErrInvalidCredentials = errors.New("remote: invalid credentials")
	// ErrNoSession は有効なセッションが存在しない場合。
	ErrNoSession = errors.New("remote: no session")
	// ErrUnknownTable は許可されていないテーブル名が指定された場合。
	ErrUnknownTable = errors.New("remote: unknown table")
)

// Row はテーブルの1行を列名→値のマップで表す。
type Row map[string]any

// Op は条件式の比較演算子。
type Op string

const (
	// OpEq は等価比較。
	OpEq Op = "eq"
	// OpIn は値リストへの包含。
	OpIn Op = "in"
	// OpLt は未満比較。
	OpLt Op = "lt"
	// OpGt は超過比較。
	OpGt Op = "gt"
	// OpBefore はキーセットの「より前」比較。Valueには Keyset を渡す。
	OpBefore Op = "before"
)

// Keyset は (Column, TieColumn) の組での位置を表す。
// OpBefore は Column < Value または Column = Value かつ TieColumn < Tie の行に一致する。
type Keyset struct {
	Value     any
	TieColumn string
	Tie       any
}

// Condition は単一列に対する条件を表す。複数の条件はANDで結合される。
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Eq は等価条件を生成する。
func Eq(column string, value any) Condition {
	return Condition{Column: column, Op: OpEq, Value: value}
}

// In は包含条件を生成する。
func In(column string, values ...string) Condition {
	return Condition{Column: column, Op: OpIn, Value: values}
}

// Lt は未満条件を生成する。
func Lt(column string, value any) Condition {
	return Condition{Column: column, Op: OpLt, Value: value}
}

// Gt は超過条件を生成する。
func Gt(column string, value any) Condition {
	return Condition{Column: column, Op: OpGt, Value: value}
}

// Before は (column, tieColumn) の降順ページングで value, tie より後ろの行を選ぶ条件を生成する。
func Before(column string, value any, tieColumn string, tie any) Condition {
	return Condition{Column: column, Op: OpBefore, Value: Keyset{Value: value, TieColumn: tieColumn, Tie: tie}}
}

// Order は並び順を表す。
type Order struct {
	Column string
	Desc   bool
}

// Query はテーブルに対する読み取り要求を表す。
// Limitが0以下の場合は件数制限なし。
type Query struct {
	Table      string
	Conditions []Condition
	OrderBy    []Order
	Limit      int
}

// MutateOp はミューテーション種別。
type MutateOp string

const (
	MutateInsert MutateOp = "insert"
	MutateUpdate MutateOp = "update"
	MutateDelete MutateOp = "delete"
)

// Mutation はテーブルに対する書き込み要求を表す。
// insertはValuesのみ、update/deleteはConditionsで対象行を絞り込む。
type Mutation struct {
	Table      string
	Op         MutateOp
	Values     Row
	Conditions []Condition
}

// ChangeType は変更イベントの種別。
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent はSubscribeで配信される変更通知。
type ChangeEvent struct {
	Topic string
	Type  ChangeType
	Row   Row
}

// DataService はリモートデータサービスのデータ操作インターフェース。
type DataService interface {
	// Query は条件に一致する行を返す。
	Query(ctx context.Context, q Query) ([]Row, error)
	// Mutate は行の作成・更新・削除を行い、影響を受けた行を返す。
	// update/deleteで対象行が存在しない場合はErrNotFoundを返す。
	Mutate(ctx context.Context, m Mutation) (Row, error)
	// RemoteProcedure は名前付きのリモートプロシージャを呼び出す。
	RemoteProcedure(ctx context.Context, name string, args map[string]any) (any, error)
	// Subscribe はトピックの変更イベントを購読する。
	// ctxがキャンセルされるとチャネルはクローズされる。
	Subscribe(ctx context.Context, topic string, conditions []Condition) (<-chan ChangeEvent, error)
}

// AuthChangeFunc は認証状態変化の通知を受け取るコールバック。
// SIGNED_OUTの場合sessionはnil。
type AuthChangeFunc func(event model.AuthEvent, session *model.Session)

// AuthService はリモートサービスの認証操作インターフェース。
type AuthService interface {
	// GetSession は永続化されたセッションを復元する。存在しない場合はnil, nilを返す。
	GetSession(ctx context.Context) (*model.Session, error)
	// OnAuthStateChange は認証状態変化のリスナーを登録し、解除関数を返す。
	// 通知は発生順に配信される。
	OnAuthStateChange(fn AuthChangeFunc) (unsubscribe func())
	// SignIn は既存ユーザーでサインインする。
	SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error)
	// SignUp は新規ユーザーを作成してサインインする。
	SignUp(ctx context.Context, creds model.Credentials) (*model.Session, error)
	// SignOut は永続化セッションを破棄する。
	SignOut(ctx context.Context) error
	// RefreshSession は現在のセッションのトークンを更新する。
	// 更新に失敗した場合はセッションを破棄しSIGNED_OUTを通知する。
	RefreshSession(ctx context.Context) (*model.Session, error)
}

// Client はデータ操作と認証操作をまとめたリモートデータサービスのハンドル。
type Client struct {
	DataService
	AuthService
}
