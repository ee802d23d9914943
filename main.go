package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/colorstring"
	"github.com/sirupsen/logrus"

	"github.com/kchan139/p2p-file-sharing/torrent"
	"github.com/kchan139/p2p-file-sharing/tracker"
)

// --------------------------------------------------------------------------------------------- //

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "tracker":
		err = runTracker(args[1:])
	case "download":
		err = runNode(args[1:], false)
	case "seed":
		err = runNode(args[1:], true)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		colorstring.Fprintf(os.Stderr, "[red]error:[reset] %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  %[1]s [-v] tracker <listen-addr>              run a tracker
  %[1]s [-v] download <file.torrent> <out-dir>  download a torrent, then seed
  %[1]s [-v] seed <file.torrent> <data-dir>     seed existing data
`, os.Args[0])
}

// --------------------------------------------------------------------------------------------- //

func runTracker(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("tracker needs a listen address, e.g. :6969")
	}

	cfg := tracker.DefaultConfig()
	cfg.Addr = args[0]

	srv := tracker.NewServer(cfg)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	colorstring.Printf("[green]tracker[reset] announcing at %s\n", srv.AnnounceURL())
	waitForSignal()
	return nil
}

// --------------------------------------------------------------------------------------------- //

func runNode(args []string, seeding bool) error {
	if len(args) != 2 {
		return fmt.Errorf("need a torrent file and a directory")
	}

	meta, err := torrent.ParseFile(args[0])
	if err != nil {
		return err
	}

	cfg := torrent.DefaultNodeConfig()
	cfg.OutputDir = args[1]
	cfg.ShowProgress = !seeding

	node, err := torrent.NewNode(meta, cfg)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	colorstring.Printf("[blue]%s[reset] (%d pieces, %d bytes) listening on %s\n",
		meta.Name, meta.NumPieces(), meta.TotalLength(), node.Addr())

	if seeding {
		if verified, total := node.Progress(); verified != total {
			return fmt.Errorf("data in %s is incomplete: %d of %d pieces verified", args[1], verified, total)
		}
		colorstring.Println("[green]seeding[reset], ctrl-c to stop")
		waitForSignal()
		return nil
	}

	sig := signalChan()
	select {
	case <-sig:
		return nil
	case <-node.Completed():
	}

	down, up := node.Transferred()
	colorstring.Printf("\n[green]complete[reset]: downloaded %d bytes, uploaded %d bytes; seeding, ctrl-c to stop\n", down, up)
	waitForSignal()
	return nil
}

// --------------------------------------------------------------------------------------------- //

func signalChan() chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	return sig
}

func waitForSignal() {
	<-signalChan()
}
