// Package main provides the navpack binary entry point.
// Navpack builds multilingual sightseeing navigation packs: a routed
// multi-modal tour, along-route discoveries, narration, and audio,
// assembled into a durable pack directory.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "navpack"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "navpack",
		Short: "Navigation pack orchestration engine",
		Long: `Navpack orchestrates sightseeing navigation packs.

A submitted plan is routed through an OSRM-compatible engine with
car/foot mode switching at access points, enriched with along-route
points of interest from PostGIS, narrated by a language engine, voiced
by a speech engine, and assembled into a durable pack directory with a
manifest.

Jobs run asynchronously over NATS JetStream behind an HTTP
submit/poll facade.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP facade and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run job workers without the HTTP facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, false)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Navpack v" + Version + "                     ║")
	fmt.Println("║      Navigation Pack Orchestration            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
