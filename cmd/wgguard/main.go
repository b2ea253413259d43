// wgguard manages wg-quick WireGuard profiles from an interactive shell,
// with an optional kill-switch that blocks traffic outside the tunnel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/wgguard/pkg/config"
	"github.com/psaab/wgguard/pkg/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		cleanup(os.Args[2:])
		return
	}

	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	profileDir := flag.String("profiles", "", "wg-quick profile directory (overrides config)")
	apiAddr := flag.String("api", "", "HTTP API listen address (overrides config)")
	killSwitch := flag.Bool("killswitch", false, "enable the kill-switch for every connection")
	headless := flag.Bool("headless", false, "run without the interactive shell")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	setupLogging(*debug)

	opts := daemon.Options{
		ConfigFile: *configFile,
		ProfileDir: *profileDir,
		APIAddr:    *apiAddr,
		Headless:   *headless,
	}
	// Only an explicit flag overrides the config file.
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "killswitch" {
			opts.KillSwitch = killSwitch
		}
	})

	if err := daemon.New(opts).Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "wgguard: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// cleanup removes every kill-switch rule set, including ones left by a
// run that exited with persistent rules.
func cleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configFile := fs.String("config", config.DefaultPath, "configuration file path")
	fs.Parse(args)
	setupLogging(false)

	removed, err := daemon.New(daemon.Options{ConfigFile: *configFile}).Cleanup(context.Background())
	for _, tok := range removed {
		fmt.Printf("removed %s (chain %s)\n", tok, tok.Chain())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		os.Exit(1)
	}
	if len(removed) == 0 {
		fmt.Println("no kill-switch rules installed")
		return
	}
	fmt.Println("all kill-switch rules removed; traffic is no longer blocked")
}
