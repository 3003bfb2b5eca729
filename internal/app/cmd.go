package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はゲートウェイを起動することを示す。
	// 同期コンポーネントと定期リフレッシュは同じプロセス内で動く。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateDirection はmigrateサブコマンドの適用方向。
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// ParseMigrateDirection はmigrateサブコマンドの引数から適用方向を解析する。
// 省略時はup。不明な値は空文字を返す。
func ParseMigrateDirection(args []string) MigrateDirection {
	if len(args) < 2 {
		return MigrateUp
	}
	switch MigrateDirection(args[1]) {
	case MigrateUp:
		return MigrateUp
	case MigrateDown:
		return MigrateDown
	default:
		return ""
	}
}
