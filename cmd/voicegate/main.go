package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyeon/voicegate/internal/ai"
	"github.com/hyeon/voicegate/internal/banner"
	"github.com/hyeon/voicegate/internal/logger"
	"github.com/hyeon/voicegate/internal/signaling/app"
	"github.com/hyeon/voicegate/internal/signaling/config"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Voicegate Signaling Server", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (udp)", cfg.BindAddr, cfg.Port)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Metrics", Value: cfg.MetricsAddr},
		{Label: "CDR", Value: cfg.CDRPath},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	server, err := app.NewServer(cfg, ai.NopAgent{})
	if err != nil {
		slog.Error("Failed to create signaling server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	run(server, cfg)
}

func run(server *app.Server, cfg *config.Config) {
	slog.Info("Starting Voicegate", "port", cfg.Port)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
