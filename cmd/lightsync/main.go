// lightsync - shielded wallet light client sync
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncer"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/colorfulnotion/lightsync/walletstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

const envPrefix = "LIGHTSYNC"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var rootCmd = &cobra.Command{
		Use:           "lightsync",
		Short:         "Shielded wallet light client sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, cmd); err != nil {
				return err
			}
			if v.GetString("log-format") == "json" {
				if err := log.InitJSONLogger(v.GetString("log-level"), os.Stderr); err != nil {
					return err
				}
			} else {
				log.InitLogger(v.GetString("log-level"))
			}
			if modules := v.GetString("debug"); modules != "" {
				log.EnableModules(modules)
			}
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", filepath.Join(os.Getenv("HOME"), ".lightsync"), "Wallet and block cache directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "terminal", "Log format (terminal or json)")
	rootCmd.PersistentFlags().String("debug", "", "Comma separated log modules to enable (sync_mod,cache_mod,...)")

	rootCmd.AddCommand(
		newSyncCmd(v),
		newCheckpointsCmd(v),
		newRollbackCmd(v),
		newInspectCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// initConfig layers flags over LIGHTSYNC_* environment variables over the
// config file.
func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// engineConfig maps the bound settings onto an engine configuration.
func engineConfig(v *viper.Viper) syncer.Config {
	cfg := syncer.DefaultConfig()
	if v.GetBool("mobile") {
		cfg = syncer.MobileConfig()
	}
	if v.IsSet("birthday") {
		cfg.BirthdayHeight = v.GetUint64("birthday")
	}
	cfg.TargetHeight = v.GetUint64("target")
	if n := v.GetUint64("batch-size"); n > 0 {
		cfg.BatchSize = n
	}
	if n := v.GetUint64("checkpoint-interval"); n > 0 {
		cfg.CheckpointInterval = n
	}
	if n := v.GetInt("mini-checkpoint-every"); n > 0 {
		cfg.MiniCheckpointEvery = n
	}
	if n := v.GetInt("parallel"); n > 0 {
		cfg.MaxParallelDecrypt = n
	}
	if n := v.GetInt("keep-checkpoints"); n > 0 {
		cfg.CheckpointKeep = n
		cfg.SnapshotRetain = max(cfg.SnapshotRetain, n)
	}
	if v.IsSet("max-retries") {
		cfg.MaxRetries = v.GetInt("max-retries")
	}
	if d := v.GetDuration("retry-delay"); d > 0 {
		cfg.RetryBaseDelay = d
	}
	return cfg
}

// viewingKeys derives the wallet keys from the configured seeds.
func viewingKeys(v *viper.Viper) decrypt.StaticKeys {
	var keys decrypt.StaticKeys
	if seed := v.GetString("sapling-seed"); seed != "" {
		keys = append(keys, decrypt.KeyFromSeed(1, types.PoolSapling, []byte(seed)))
	}
	if seed := v.GetString("orchard-seed"); seed != "" {
		keys = append(keys, decrypt.KeyFromSeed(2, types.PoolOrchard, []byte(seed)))
	}
	return keys
}

type wallet struct {
	ps    *storage.PersistenceStore
	store *walletstore.Store
}

func openWallet(v *viper.Viper, snapshotRetain int) (*wallet, error) {
	dir := filepath.Join(v.GetString("data-dir"), "wallet")
	ps, err := storage.NewPersistenceStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open wallet %s: %w", dir, err)
	}
	return &wallet{ps: ps, store: walletstore.New(ps, snapshotRetain)}, nil
}

func (w *wallet) Close() {
	if err := w.ps.Close(); err != nil {
		log.Warn(log.StoreMonitoring, "wallet close failed", "err", err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lightsync %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
