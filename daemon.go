package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/yllada/vpnd/api"
	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/dns"
	"github.com/yllada/vpnd/firewall"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/keyring"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

// runDaemon wires every component and drives the tunnel state machine until
// ctx is cancelled. On return the tunnel is down and DNS is restored.
func runDaemon(ctx context.Context, configPath string, verbose bool, dnsModule string) error {
	if !common.IsRoot() {
		return common.ErrRootRequired
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, _ := common.ParseLogLevel(cfg.LogLevel)
	if verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		common.LogWarn("file logging disabled: %v", err)
	}
	defer common.CloseLogger()
	logger := common.GetLogger()
	logger.Info("starting %s v%s", common.AppName, appVersion)

	if _, err := exec.LookPath(cfg.OpenVPNBinary); err != nil {
		logger.Warn("openvpn not found (%s), connections will fail to start", cfg.OpenVPNBinary)
	}

	hist, err := history.Open(cfg.HistoryPath, logger.Named("history"))
	if err != nil {
		return err
	}
	defer hist.Close()

	profiles, err := vpn.NewProfileStore(filepath.Join(common.StateDir(), "profiles"))
	if err != nil {
		return err
	}
	creds, err := keyring.Open(common.StateDir(), logger.Named("keyring"))
	if err != nil {
		return err
	}

	dnsLog := logger.Named("dns")
	selector := dns.NewSelector(cfg.DNSOverride(dnsModule), dns.PlatformCandidates(dnsLog), dnsLog)
	dnsManager := dns.NewManager(selector, dnsLog)
	dnsManager.OnBackendChanged(func(previous, current dns.BackendKind) {
		if err := hist.RecordBackendChange(context.Background(), previous.String(), current.String()); err != nil {
			dnsLog.Warn("%v", err)
		}
	})

	launcher := vpn.NewOpenVPN(vpn.OpenVPNConfig{
		Binary:     cfg.OpenVPNBinary,
		RuntimeDir: filepath.Join(filepath.Dir(cfg.SocketPath), "openvpn"),
		Profiles:   profiles,
		Profile:    cfg.Profile,
		Password:   creds.Get,
		Logger:     logger.Named("openvpn"),
	})

	machine := tunnel.New(tunnel.Config{
		Settings: tunnel.Settings{
			AllowLAN:              cfg.AllowLAN,
			BlockWhenDisconnected: cfg.BlockWhenDisconnected,
		},
		DNSServers: common.ParseAddrs(cfg.DNSServers),
		DNS:        dnsManager,
		Firewall:   firewall.New("", logger.Named("firewall")),
		Launcher:   launcher,
		Backoff:    tunnel.Backoff{Base: cfg.Reconnect.BaseDelay, Max: cfg.Reconnect.MaxDelay},
		Logger:     logger.Named("tunnel"),
	})

	listener, err := api.Listen(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("management socket: %w", err)
	}

	// Everything below stops when the machine has finished.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	events, unsubscribe := machine.Events().Subscribe(64)
	defer unsubscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hist.Follow(bgCtx, events)
	}()

	server := api.NewServer(api.ServerConfig{
		Machine:   machine,
		History:   hist,
		DNS:       dnsManager,
		Profiles:  profiles,
		Passwords: creds,
		Selector:  launcher,
		Logger:    logger.Named("api"),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(bgCtx, listener); err != nil {
			logger.Error("management API: %v", err)
		}
	}()

	if cfg.OfflineMonitor {
		monitor := vpn.NewOfflineMonitor(vpn.DefaultMonitorConfig(), logger.Named("offline"))
		monitor.SetOnChange(func(offline bool) {
			machine.Send(tunnel.IsOffline(offline))
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(bgCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rotateLogs(bgCtx, logger)
	}()

	if cfg.AutoConnect {
		logger.Info("auto_connect is set, connecting")
		machine.Send(tunnel.Connect{})
	}

	if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tunnel state machine stopped")
	return nil
}

func rotateLogs(ctx context.Context, logger *common.AppLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.CheckRotation()
		}
	}
}
