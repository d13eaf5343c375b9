// Package main provides the entry point for vpnd, a VPN client daemon and
// its command-line client.
//
// Usage:
//
//	vpnd daemon [-config FILE] [-verbose]
//	vpnd [-socket PATH] COMMAND [ARGS]
//
// Environment:
//
//	VPND_DNS_MODULE forces the DNS backend, overriding dns_backend in the
//	configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/vpnd/cli"
	"github.com/yllada/vpnd/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	showVersion = flag.Bool("version", false, "Show version and exit")
	socketPath  = flag.String("socket", common.DefaultSocketPath, "Daemon socket path")
)

func main() {
	flag.Usage = func() { cli.PrintHelp(os.Stderr) }
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	args := flag.Args()
	if len(args) > 0 && args[0] == "daemon" {
		os.Exit(daemonMain(ctx, args[1:]))
	}

	os.Exit(cli.New(*socketPath).Run(ctx, args))
}

// daemonMain parses the daemon flags and runs it until a signal arrives.
func daemonMain(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", common.DefaultConfigPath, "Configuration file")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	fs.Parse(args)

	// Read once; the dns package never looks at the environment.
	dnsModule := os.Getenv(common.DNSModuleEnv)

	if err := runDaemon(ctx, *configPath, *verbose, dnsModule); err != nil {
		common.LogError("daemon stopped: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
