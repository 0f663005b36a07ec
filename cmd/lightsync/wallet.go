package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/colorfulnotion/lightsync/checkpoint"
	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/syncer"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCheckpointsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(v, syncer.DefaultConfig().SnapshotRetain)
			if err != nil {
				return err
			}
			defer w.Close()
			cps, err := checkpoint.NewManager(w.store, 0)
			if err != nil {
				return err
			}
			list, err := cps.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHEIGHT\tHASH\tSAPLING\tORCHARD\tSNAPSHOT\tCREATED")
			for _, cp := range list {
				_, snap, err := w.store.Snapshot(cp.Height)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%t\t%s\n", cp.ID, cp.Height, cp.Hash.TerminalString(),
					cp.SaplingTreeSize, cp.OrchardTreeSize, snap, time.Unix(int64(cp.CreatedAt), 0).UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newRollbackCmd(v *viper.Viper) *cobra.Command {
	var rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Roll the wallet back to the newest checkpoint at or below a height",
		RunE: func(cmd *cobra.Command, args []string) error {
			height := v.GetUint64("height")
			w, err := openWallet(v, syncer.DefaultConfig().SnapshotRetain)
			if err != nil {
				return err
			}
			defer w.Close()
			cps, err := checkpoint.NewManager(w.store, 0)
			if err != nil {
				return err
			}
			cp, err := cps.GetAtHeight(height)
			if err != nil {
				return err
			}
			if cp == nil {
				return syncerrors.At(syncerrors.New(syncerrors.KindStorage, syncerrors.ErrSNoCheckpoint), height, "rollback")
			}
			st, err := cps.RollbackToCheckpoint(cp)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Rolled back to checkpoint %d at height %d\n", cp.ID, cp.Height)
			fmt.Printf("  removed %d notes, %d transactions, %d checkpoints; %d notes unspent again\n",
				st.Notes, st.Txs, st.Checkpoints, st.Unspent)
			return nil
		},
	}
	rollbackCmd.Flags().Uint64("height", 0, "Roll back to the checkpoint at or below this height")
	_ = rollbackCmd.MarkFlagRequired("height")
	return rollbackCmd
}

func newInspectCmd(v *viper.Viper) *cobra.Command {
	var inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Show balance, transactions and the frontier layout of the latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(v, syncer.DefaultConfig().SnapshotRetain)
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.store.IntegrityCheck(); err != nil {
				fmt.Printf("✗ integrity check failed: %v\n", err)
			}
			height, err := w.store.SyncHeight()
			if err != nil {
				return err
			}
			balance, err := w.store.Balance()
			if err != nil {
				return err
			}
			txs, err := w.store.Transactions()
			if err != nil {
				return err
			}
			fmt.Printf("Synced to %d, balance %d, %d transactions\n", height, balance, len(txs))
			if v.GetBool("txs") {
				for _, tx := range txs {
					fmt.Printf("  %d %s received=%d spent=%d\n", tx.Height, tx.Hash.TerminalString(), tx.Received, tx.Spent)
				}
			}

			cps, err := checkpoint.NewManager(w.store, 0)
			if err != nil {
				return err
			}
			cp, err := cps.GetLatest()
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Println("No checkpoints")
				return nil
			}
			blob, ok, err := w.store.Snapshot(cp.Height)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("No frontier snapshot at checkpoint %d\n", cp.Height)
				return nil
			}
			sapling, orchard, err := frontier.RestoreTrees(blob, frontier.DefaultMaxCheckpoints)
			if err != nil {
				return err
			}
			fmt.Printf("\nCheckpoint %d at height %d\n", cp.ID, cp.Height)
			fmt.Print(sapling.Dump())
			fmt.Print(orchard.Dump())
			return nil
		},
	}
	inspectCmd.Flags().Bool("txs", false, "List wallet transactions")
	return inspectCmd
}
