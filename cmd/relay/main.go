// Command relay runs the single listening-port forwarding engine: no
// CLI flags beyond the config file, one UDP socket, exit non-zero on
// bind failure.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"quicr/internal/config"
	"quicr/internal/logging"
	"quicr/relay"
	"quicr/transport"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		// a malformed config file is the one case worth failing loudly
		// about before logging is even wired up.
		os.Stderr.WriteString("relay: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogOptions())
	defer log.Sync()

	t, err := transport.NewUDP(cfg.Relay.ListenAddr, cfg.MTU)
	if err != nil {
		log.Error("failed to bind relay socket", zap.String("addr", cfg.Relay.ListenAddr), zap.Error(err))
		os.Exit(1)
	}
	defer t.Close()

	rl := relay.New(t, transport.RealClock, log, cfg)

	log.Info("relay listening", zap.String("addr", cfg.Relay.ListenAddr))
	go rl.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("relay shutting down")
	rl.Stop()
}
