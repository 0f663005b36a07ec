package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	gethlog "github.com/ethereum/go-ethereum/log"
)

const (
	SyncMonitoring       = "sync_mod"     // Sync engine loop
	CacheMonitoring      = "cache_mod"    // Block cache and in-flight registry
	FrontierMonitoring   = "frontier_mod" // Commitment trees
	DecryptMonitoring    = "decrypt_mod"  // Trial decryption pipeline
	StoreMonitoring      = "store_mod"    // Wallet store
	CheckpointMonitoring = "cp_mod"       // Checkpoint manager
	LightdMonitoring     = "lightd_mod"   // Remote block source
	ProgressMonitoring   = "progress_mod" // Progress feed and metrics
)

var defaultKnownModules = []string{
	SyncMonitoring, CacheMonitoring, FrontierMonitoring, DecryptMonitoring,
	StoreMonitoring, CheckpointMonitoring, LightdMonitoring, ProgressMonitoring,
}

var root atomic.Value

func init() {
	root.Store(NewLogger(gethlog.DiscardHandler()))
}

var levelNames = map[string]slog.Level{
	"MAX":          levelMaxVerbosity,
	"MAXVERBOSITY": levelMaxVerbosity,
	"TRACE":        LevelTrace,
	"DEBUG":        LevelDebug,
	"INFO":         LevelInfo,
	"WARN":         LevelWarn,
	"WARNING":      LevelWarn,
	"ERROR":        LevelError,
	"CRIT":         LevelCrit,
	"CRITICAL":     LevelCrit,
}

// ParseLevel accepts level names in any case.
func ParseLevel(lvl string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToUpper(lvl)]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// InitLogger installs a colored terminal logger on stderr.
func InitLogger(logLevel string) {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(gethlog.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

// InitJSONLogger installs a JSON logger writing to w.
func InitJSONLogger(logLevel string, w io.Writer) error {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(gethlog.JSONHandlerWithLevel(w, lvl)))
	return nil
}

// SetDefault replaces the root logger. The standard slog default follows
// it so library logs land in the same place.
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

// Debug and Trace output is opt-in per module; everything starts disabled.
var modules = struct {
	sync.RWMutex
	on map[string]bool
}{on: make(map[string]bool)}

func EnableModule(module string) {
	modules.Lock()
	modules.on[module] = true
	modules.Unlock()
}

func DisableModule(module string) {
	modules.Lock()
	delete(modules.on, module)
	modules.Unlock()
}

// EnableModules enables a comma separated list of modules. "all" enables
// every module of this repository.
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		switch m = strings.TrimSpace(m); m {
		case "":
		case "all":
			for _, known := range defaultKnownModules {
				EnableModule(known)
			}
		default:
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool {
	modules.RLock()
	defer modules.RUnlock()
	return modules.on[module]
}

// Trace and Debug are dropped unless the module is enabled.
func Trace(module string, msg string, kv ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelTrace, module, msg, kv...)
	}
}

func Debug(module string, msg string, kv ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelDebug, module, msg, kv...)
	}
}

func Info(module string, msg string, kv ...any)  { Root().Write(LevelInfo, module, msg, kv...) }
func Warn(module string, msg string, kv ...any)  { Root().Write(LevelWarn, module, msg, kv...) }
func Error(module string, msg string, kv ...any) { Root().Write(LevelError, module, msg, kv...) }

func Crit(module string, msg string, kv ...any) {
	Root().Write(LevelCrit, module, msg, kv...)
	os.Exit(1)
}

// New returns a child of the root logger carrying kv on every record.
func New(kv ...any) Logger {
	return Root().With(kv...)
}
