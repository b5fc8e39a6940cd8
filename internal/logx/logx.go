// Package logx carries forward the teacher's checked-entry logging idiom
// (utils.CanLogErr/CanLogWarn/CanLogInfo/CanLogDebug) on top of zap, so
// field construction is skipped whenever the active level disables it.
package logx

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelDebug = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelSilent

	DefaultLevel = LevelInfo
)

var (
	Level  = DefaultLevel
	Logger *zap.Logger
)

// Init builds the process-wide logger. Level follows Mihomo's log-level
// config field; there is no ambient logger beyond this one configurable
// sink (spec.md §9). A secondary core tees every entry into Feed so the
// control plane's /logs websocket can stream them.
func Init(level int) {
	Level = level
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(level - 1))

	enc := zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		LineEnding:  zapcore.DefaultLineEnding,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), atomicLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey: "msg",
			LevelKey:   "level",
			LineEnding: zapcore.DefaultLineEnding,
		}), zapcore.AddSync(Feed), atomicLevel),
	)

	Logger = zap.New(core)
}

// Feed fans log lines out to control-plane subscribers. Writes never block:
// a subscriber that falls behind drops lines.
var Feed = &feed{}

type feed struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func (f *feed) Subscribe() chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[chan string]struct{})
	}
	ch := make(chan string, 64)
	f.subs[ch] = struct{}{}
	return ch
}

func (f *feed) Unsubscribe(ch chan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}

func (f *feed) Write(p []byte) (int, error) {
	line := string(p)
	f.mu.Lock()
	for ch := range f.subs {
		select {
		case ch <- line:
		default:
		}
	}
	f.mu.Unlock()
	return len(p), nil
}

func (f *feed) Sync() error { return nil }

func canLog(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	if Logger == nil {
		return nil
	}
	return Logger.Check(l, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry { return canLog(zap.DebugLevel, msg) }
func CanLogInfo(msg string) *zapcore.CheckedEntry  { return canLog(zap.InfoLevel, msg) }
func CanLogWarn(msg string) *zapcore.CheckedEntry  { return canLog(zap.WarnLevel, msg) }
func CanLogErr(msg string) *zapcore.CheckedEntry   { return canLog(zap.ErrorLevel, msg) }
