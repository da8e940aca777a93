// Command callsim plays a scripted call against a running server's
// dashboard socket and prints the coaching it receives.
package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dealcoach/server/internal/logger"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "server host:port")
	sessionID := flag.String("session", "", "session id (generated by the server when empty)")
	delay := flag.Duration("delay", 1500*time.Millisecond, "pause between scripted turns")
	duration := flag.Int("duration", -1, "call duration in seconds to report (measured by the server when negative)")
	flag.Parse()

	log, err := logger.New("local", "info")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := Options{
		URL:       (&url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}).String(),
		SessionID: *sessionID,
		Delay:     *delay,
	}
	if *duration >= 0 {
		options.DurationSeconds = duration
	}

	log.Info("Connecting", zap.String("url", options.URL))
	if _, err := NewSimulator(options, os.Stdout, log).Run(ctx); err != nil {
		log.Fatal("Simulated call failed", zap.Error(err))
	}
}
