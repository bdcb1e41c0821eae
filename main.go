// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mfeldt/huddle/internal/app"
	"github.com/mfeldt/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	account  = flag.String("account", "", "Account name for a freshly created peer directory")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	acct := *account
	if acct == "" {
		acct = filepath.Base(absDir)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, created, err := config.Ensure(cfgPath, acct)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config: %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Huddle - peer-to-peer calls for conversations")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle peer <directory>    Run a peer from the specified directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -account <name>  Account for a freshly created peer directory")
	fmt.Println("                   (defaults to the directory name)")
	fmt.Println("  -h               Show this help message")
	fmt.Println("  -version         Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run creates <dir>/huddle.json with defaults")
	fmt.Println("  huddle peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Drive the running peer through the control API")
	fmt.Println("  curl -s http://127.0.0.1:8760/api/call/status")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   Huddle Peer Runner                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Account:        %s\n", cfg.Profile.Account)
	if cfg.Control.HTTPAddr != "" {
		fmt.Printf("Control API:    http://%s\n", cfg.Control.HTTPAddr)
	}
	if cfg.P2P.Disabled {
		fmt.Printf("Signaling:      gateway %s\n", cfg.Gateway.URL)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
