// Command btclient is a BitTorrent v1 leecher: it downloads the
// content of one or more .torrent files and exits once every piece is
// verified. It does not serve uploads, DHT, or magnet links.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"btclient/internal/config"
	"btclient/internal/coordinator"
	"btclient/internal/idgen"
	"btclient/internal/logx"
	"btclient/internal/metainfo"
	"btclient/internal/ui"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "download":
		err = runDownload(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		logx.Error("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s download <torrent-file>... [-out DIR]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s list\n", os.Args[0])
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	out := fs.String("out", config.DefaultOutputDir, "destination directory")
	port := fs.Int("port", config.DefaultListenPort, "TCP port to accept inbound peers on")
	maxPeers := fs.Int("max-peers", config.DefaultMaxPeers, "maximum simultaneous peer connections")
	pipelineDepth := fs.Int("pipeline-depth", config.DefaultRequestPipelineDepth, "outstanding block requests kept in flight per peer")
	numWant := fs.Int("numwant", config.DefaultAnnounceNumWant, "soft cap on total connected peers targeted by tracker announces")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("download: at least one .torrent file is required")
	}

	cfg := config.Config{
		ListenPort:           *port,
		OutputDir:            *out,
		MaxPeers:             *maxPeers,
		RequestPipelineDepth: *pipelineDepth,
		AnnounceNumWant:      *numWant,
	}

	peerID := idgen.NewPeerID()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Info("shutting down...")
		close(stop)
	}()

	for _, path := range fs.Args() {
		if err := downloadOne(path, cfg, peerID, stop); err != nil {
			return fmt.Errorf("download: %s: %w", path, err)
		}
		select {
		case <-stop:
			return nil
		default:
		}
	}
	return nil
}

func downloadOne(path string, cfg config.Config, peerID [20]byte, stop <-chan struct{}) error {
	meta, err := metainfo.Load(path)
	if err != nil {
		return err
	}

	progress := ui.NewProgress(ui.StderrWriter(), meta.Name, meta.TotalLength)

	co, err := coordinator.New(meta, cfg, peerID, progress)
	if err != nil {
		return err
	}

	logx.Info("downloading %s (%d pieces, %d bytes) into %s", meta.Name, meta.NumPieces(), meta.TotalLength, cfg.OutputDir)
	if err := co.Run(stop); err != nil {
		return err
	}
	progress.Finish()
	logx.Info("%s: download complete", meta.Name)
	return nil
}

// runList reads every *.torrent file in the working directory (a
// stand-in for a "known torrents" registry, since this core does not
// persist session state across runs) and prints name, size, and
// piece count.
func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	matches, err := filepath.Glob("*.torrent")
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(matches) == 0 {
		fmt.Println("no .torrent files in the current directory")
		return nil
	}

	for _, path := range matches {
		meta, err := metainfo.Load(path)
		if err != nil {
			logx.Fail("list: %s: %v", path, err)
			continue
		}
		fmt.Printf("%s\t%s\t%d bytes\t%d pieces\n", path, meta.Name, meta.TotalLength, meta.NumPieces())
	}
	return nil
}
