package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmylchreest/hlspoll/internal/hlspoll"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchLowLatency bool

var watchCmd = &cobra.Command{
	Use:   "watch <url>",
	Short: "Poll a playlist URL and print one line per snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchLowLatency, "low-latency", true, "keep LL-HLS parts and preload hints in snapshots")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(c *cobra.Command, args []string) error {
	url := args[0]

	flagOverrides := viper.New()
	mustBindPFlag(flagOverrides, "polling.low_latency", c.Flags().Lookup("low-latency"))

	opts := hlspoll.OptionsFromConfig(cfg, func(err error) {
		slog.Warn("hlspoll: recoverable problem", slog.Any("error", err))
	})
	if c.Flags().Changed("low-latency") {
		opts.LowLatency = flagOverrides.GetBool("polling.low_latency")
	}

	r, err := hlspoll.CreateReader(url, opts)
	if err != nil {
		return fmt.Errorf("creating reader: %w", err)
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for {
		snap, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading snapshot: %w", err)
		}
		printSnapshot(snap)
	}
}

func printSnapshot(snap *hlspoll.Snapshot) {
	if snap.Playlist == nil {
		fmt.Printf("%s kind=master\n", snap.Meta.URL)
		return
	}
	fmt.Printf("%s kind=media msn=%d segments=%d live=%v\n",
		snap.Meta.URL, snap.Playlist.LastMSN(true), len(snap.Playlist.Segments()), snap.Playlist.IsLive())
}
