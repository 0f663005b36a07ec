package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/colorfulnotion/lightsync/blockcache"
	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/lightd"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/progress"
	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncer"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Sync the wallet to the chain tip or a target height",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), v)
		},
	}

	f := syncCmd.Flags()
	f.String("server", "https://lightd1.pirate.black:443", "lightwalletd endpoint")
	f.Int("mock", 0, "Sync against an in-memory chain of this many blocks instead of a server")
	f.String("sapling-seed", "", "Seed of the Sapling viewing key")
	f.String("orchard-seed", "", "Seed of the Orchard viewing key")
	f.Uint64("birthday", 1, "Wallet birthday height")
	f.Uint64("target", 0, "Stop at this height (0 follows the tip)")
	f.Uint64("batch-size", 0, "Blocks per batch")
	f.Uint64("checkpoint-interval", 0, "Heights between forced checkpoints")
	f.Int("mini-checkpoint-every", 0, "Batches between checkpoints")
	f.Int("parallel", 0, "Decryption workers")
	f.Int("keep-checkpoints", 0, "Checkpoints kept after pruning")
	f.Int("max-retries", 3, "Retries per remote call")
	f.Duration("retry-delay", 0, "Base delay of the retry backoff")
	f.Bool("mobile", false, "Use the mobile defaults")
	f.String("background", "", "Run one bounded background session (compact or deep)")
	f.String("http", "", "Serve /progress, /ws, /chart and /metrics on this address")
	f.String("otlp-endpoint", "", "Export traces to this OTLP/HTTP collector (host:port)")
	return syncCmd
}

func runSync(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := engineConfig(v)
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, background, err := backgroundMode(v.GetString("background"))
	if err != nil {
		return err
	}
	keys := viewingKeys(v)
	if len(keys) == 0 {
		log.Warn(log.SyncMonitoring, "no viewing keys configured, only the trees will be synced")
	}

	if endpoint := v.GetString("otlp-endpoint"); endpoint != "" {
		shutdown, err := initTracing(ctx, endpoint)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	src, closeSource, err := openSource(v, cfg, keys)
	if err != nil {
		return err
	}
	defer closeSource()

	w, err := openWallet(v, cfg.SnapshotRetain)
	if err != nil {
		return err
	}
	defer w.Close()

	cacheDir := filepath.Join(v.GetString("data-dir"), "cache")
	cachePS, err := storage.NewPersistenceStore(cacheDir)
	if err != nil {
		return fmt.Errorf("open block cache %s: %w", cacheDir, err)
	}
	defer cachePS.Close()
	cache, err := blockcache.New(cachePS, src.Endpoint(), nil, 0)
	if err != nil {
		return err
	}
	defer cache.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := progress.NewMetrics(reg)
	tracker := progress.NewTracker(metrics)

	var memo decrypt.MemoLoader
	if m, ok := src.(decrypt.MemoLoader); ok {
		memo = m
	}
	eng, err := syncer.New(cfg, syncer.Deps{
		Source:  src,
		Cache:   cache,
		Store:   w.store,
		Keys:    keys,
		Memo:    memo,
		Tracker: tracker,
		Metrics: metrics,
		OnNote: func(n *decrypt.Note) {
			fmt.Printf("  received %d zatoshi at height %d (%s)\n", n.Value, n.Height, n.Pool)
		},
	})
	if err != nil {
		return err
	}

	if addr := v.GetString("http"); addr != "" {
		stop := serveProgress(addr, tracker, reg)
		defer stop()
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		// Finish the current batch and checkpoint it.
		eng.Token().Cancel()
	}()

	if background {
		return runBackground(ctx, eng, mode)
	}

	fmt.Printf("Syncing from %s (birthday %d)\n", src.Endpoint(), cfg.BirthdayHeight)
	started := time.Now()
	err = eng.Run(ctx)
	switch {
	case err == nil:
	case syncerrors.KindOf(err) == syncerrors.KindCancelled:
		fmt.Printf("Sync cancelled at height %d\n", eng.Height())
	default:
		return err
	}

	balance, err := w.store.Balance()
	if err != nil {
		return err
	}
	snap := eng.Progress()
	sapling, orchard := eng.TreeSizes()
	fmt.Printf("\n========================================\n")
	fmt.Printf("  Height:      %d\n", eng.Height())
	fmt.Printf("  Blocks:      %d in %s\n", snap.Perf.BlocksProcessed, time.Since(started).Round(time.Millisecond))
	fmt.Printf("  Notes found: %d\n", snap.Perf.NotesDecrypted)
	fmt.Printf("  Trees:       sapling=%d orchard=%d\n", sapling, orchard)
	fmt.Printf("  Balance:     %d\n", balance)
	fmt.Printf("========================================\n")
	return nil
}

func backgroundMode(name string) (syncer.BackgroundMode, bool, error) {
	switch name {
	case "":
		return 0, false, nil
	case "compact":
		return syncer.BackgroundCompact, true, nil
	case "deep":
		return syncer.BackgroundDeep, true, nil
	}
	return 0, false, fmt.Errorf("unknown background mode %q (want compact or deep)", name)
}

func runBackground(ctx context.Context, eng *syncer.Engine, mode syncer.BackgroundMode) error {
	bg, err := syncer.NewBackgroundSyncer(eng, syncer.DefaultBackgroundConfig())
	if err != nil {
		return err
	}
	res, err := bg.Execute(ctx, mode)
	if err != nil {
		return err
	}
	fmt.Printf("Background %s sync: %d blocks (%d to %d) in %s\n", res.Mode, res.BlocksSynced,
		res.StartHeight, res.EndHeight, res.Duration.Round(time.Millisecond))
	fmt.Printf("  Balance: %d, new transactions: %d\n", res.Balance, res.NewTransactions)
	if res.TimedOut {
		fmt.Printf("  Stopped at the time budget\n")
	}
	if mode == syncer.BackgroundDeep {
		fmt.Printf("  Witnesses verified: %d\n", res.Witnesses)
	}
	for _, msg := range res.Errors {
		fmt.Printf("  ! %s\n", msg)
	}
	return nil
}

// openSource dials the configured server, or builds an in-memory chain
// paying the wallet keys now and then.
func openSource(v *viper.Viper, cfg syncer.Config, keys decrypt.StaticKeys) (lightd.Source, func(), error) {
	if n := v.GetInt("mock"); n > 0 {
		return mockChain(cfg.BirthdayHeight, n, keys)
	}
	server := v.GetString("server")
	if msg := consensusWarning(server); msg != "" {
		log.Warn(log.LightdMonitoring, msg, "server", server)
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", msg)
	}
	c, err := lightd.Dial(server)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			log.Warn(log.LightdMonitoring, "close failed", "err", err)
		}
	}, nil
}

// consensusWarning is non-empty for endpoints serving a real chain. Note
// decryption and tree hashing here use X25519 and blake2b stand-ins, so
// notes and anchors of a live Sapling or Orchard chain never match.
func consensusWarning(endpoint string) string {
	if strings.HasPrefix(endpoint, "mock://") {
		return ""
	}
	return "note encryption and commitment hashing are not consensus compatible with Sapling or Orchard, balances and anchors from this server will be wrong"
}

func mockChain(start uint64, blocks int, keys decrypt.StaticKeys) (lightd.Source, func(), error) {
	src := lightd.NewMockSource("mock://demo", start)
	for i := 0; i < blocks; i++ {
		if len(keys) > 0 && i%100 == 50 {
			key := keys[(i/100)%len(keys)]
			memo := []byte(fmt.Sprintf("demo payment %d", i/100))
			if _, err := src.Pay(&key, uint64(10000*(i/100+1)), memo); err != nil {
				return nil, nil, err
			}
			continue
		}
		src.AppendEmpty(1, 2)
	}
	return src, func() {}, nil
}

// initTracing exports engine spans over OTLP/HTTP.
func initTracing(ctx context.Context, endpoint string) (func(), error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	fmt.Printf("✓ Tracing enabled: %s\n", endpoint)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn(log.SyncMonitoring, "trace provider shutdown failed", "err", err)
		}
	}, nil
}

func serveProgress(addr string, tracker *progress.Tracker, reg *prometheus.Registry) func() {
	feed := progress.NewFeed(tracker)
	go feed.Run(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           progress.Handler(tracker, feed, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "progress server: %v\n", err)
		}
	}()
	fmt.Printf("✓ Progress server: http://%s/progress\n", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		feed.Close()
	}
}
