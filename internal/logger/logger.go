package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeys はログに平文で出してはならない属性キー。
var redactedKeys = map[string]bool{
	"api_hash":  true,
	"bot_token": true,
	"password":  true,
	"code":      true,
	"app_key":   true,
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 資格情報を表す属性キーは値が伏せ字に置き換えられる。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel は出力レベルを指定してJSONロガーを生成する。
func SetupWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
// LOG_LEVEL 環境変数（debug, info, warn, error）で出力レベルを変更できる。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := SetupWithLevel(w, ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
}

// ParseLevel は文字列をslog.Levelに変換する。未知の値はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskPhone は電話番号の先頭4文字以外を伏せる。
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-4)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
