// ABOUTME: Entry point for the SendSpin player
// ABOUTME: Parses CLI flags, discovers or dials a server, and runs the player
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sendspin/sendspin-go/internal/discovery"
	"github.com/sendspin/sendspin-go/pkg/sendspinplayer"
	"github.com/sendspin/sendspin-go/pkg/sink"
)

var (
	serverAddr   = flag.String("server", "", "Manual server URL, e.g. ws://host:8927/sendspin (skip mDNS)")
	name         = flag.String("name", "", "Player friendly name (default: hostname-sendspin-player)")
	codecPref    = flag.String("codec", "opus", "Preferred codec: opus, flac or pcm")
	syncOffsetMs = flag.Int("sync-offset-ms", 0, "Manual playback offset in milliseconds (-5000..5000)")
	volume       = flag.Float64("volume", 1.0, "Initial volume (0..1)")
	authToken    = flag.String("auth-token", "", "Bearer token for proxy transports")
	logFile      = flag.String("log-file", "sendspin-player.log", "Log file path")
)

func main() {
	flag.Parse()

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	logger := log.New(io.MultiWriter(os.Stdout, f), "", log.LstdFlags)

	playerName := *name
	if playerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		playerName = fmt.Sprintf("%s-sendspin-player", hostname)
	}

	addr := *serverAddr
	if addr == "" {
		logger.Printf("no -server given, browsing mDNS for %s", "_sendspin-server._tcp")
		found, err := discoverServer(logger)
		if err != nil {
			logger.Fatalf("discovery failed: %v", err)
		}
		addr = found
	}

	logger.Printf("Starting SendSpin Player %q against %s", playerName, addr)

	out := sink.NewOto(logger)
	player, err := sendspinplayer.NewPlayer(sendspinplayer.Config{
		ServerAddr:     addr,
		PlayerName:     playerName,
		PreferredCodec: *codecPref,
		SyncOffsetMs:   *syncOffsetMs,
		Volume:         *volume,
		AuthToken:      *authToken,
	}, out, logger)
	if err != nil {
		logger.Fatalf("create player: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Printf("Shutdown signal received")
		cancel()
	}()

	if err := player.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("player error: %v", err)
	}
	player.Close()
	logger.Printf("Player stopped")
}

// discoverServer blocks until mDNS yields a server or a timeout elapses.
func discoverServer(logger *log.Logger) (string, error) {
	browser := discovery.NewBrowser(logger)
	browser.Start()
	defer browser.Stop()

	select {
	case srv := <-browser.Servers():
		return fmt.Sprintf("ws://%s:%d/sendspin", srv.Host, srv.Port), nil
	case <-time.After(15 * time.Second):
		return "", fmt.Errorf("no SendSpin server found within 15s")
	}
}
