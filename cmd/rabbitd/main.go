// Command rabbitd is a headless driver for the torrent engine: point it
// at a .torrent file and it downloads (or seeds, once complete) until
// interrupted, printing a periodic status line. Replaces the teacher's
// wails desktop shell (see DESIGN.md) with a plain terminal UI, in the
// same spirit as its own setupLogger/status-line conventions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/finchwire/torrentengine/internal/config"
	"github.com/finchwire/torrentengine/internal/logging"
	"github.com/finchwire/torrentengine/internal/torrent"
)

func main() {
	setupLogger()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <torrent-file> [download-dir]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	torrentPath := os.Args[1]

	cfg := *config.Load()
	if len(os.Args) >= 3 {
		cfg.DefaultDownloadDir = os.Args[2]
	}

	stateDBPath := filepath.Join(cfg.DefaultDownloadDir, ".rabbitd-state.db")
	if err := os.MkdirAll(cfg.DefaultDownloadDir, 0o755); err != nil {
		slog.Error("failed to prepare download dir", "error", err)
		os.Exit(1)
	}

	client, err := torrent.NewClient(cfg, stateDBPath)
	if err != nil {
		slog.Error("failed to start client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", torrentPath, "error", err)
		os.Exit(1)
	}

	tr, err := client.AddTorrent(data)
	if err != nil {
		slog.Error("failed to add torrent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printStatus(tr.GetStats())
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
			printStatus(tr.GetStats())
		}
	}
}

func printStatus(s torrent.Stats) {
	bar := color.New(color.FgCyan).Sprintf("%5.1f%%", s.Progress)
	down := color.New(color.FgGreen).Sprintf("%s/s", humanize.Bytes(uint64(s.DownloadRate)))
	up := color.New(color.FgYellow).Sprintf("%s/s", humanize.Bytes(uint64(s.UploadRate)))

	fmt.Printf("%s  %s  down %s  up %s  peers %d  %s\n",
		bar, s.Name, down, up, s.ConnectedPeers, s.State)

	if s.Error != "" {
		color.Red("  error: %s", s.Error)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.ShowSource = false

	h := logging.NewHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
