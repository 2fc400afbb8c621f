package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/cyberchat/pkg/server"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type serverOptions struct {
	configPath  string
	host        string
	port        int
	sshPort     int
	httpPort    int
	metricsPort int
	debug       bool
}

func main() {
	var opts serverOptions

	rootCmd := &cobra.Command{
		Use:   "cyberchat-server",
		Short: "Encrypted multi-room chat relay",
		Long: `cyberchat-server relays chat lines between clients grouped into rooms.

Clients connect over raw TCP, SSH or WebSocket. Every frame is sealed with
a key handed out at connect time. Ports set to 0 disable that listener.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "~/.config/cyberchat/config.toml", "Path to config file")
	flags.StringVar(&opts.host, "host", "", "Listen host (overrides config)")
	flags.IntVarP(&opts.port, "port", "p", 0, "TCP port (overrides config, 0 disables)")
	flags.IntVar(&opts.sshPort, "ssh-port", 0, "SSH port (overrides config, 0 disables)")
	flags.IntVar(&opts.httpPort, "http-port", 0, "WebSocket/health HTTP port (overrides config, 0 disables)")
	flags.IntVar(&opts.metricsPort, "metrics-port", 0, "Internal metrics port (overrides config, 0 disables)")
	flags.BoolVar(&opts.debug, "debug", false, "Write debug.log to the data directory")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, opts serverOptions) error {
	tomlConfig, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags win over the file and the environment
	flags := cmd.Flags()
	if flags.Changed("host") {
		tomlConfig.Server.Host = opts.host
	}
	if flags.Changed("port") {
		tomlConfig.Server.TCPPort = opts.port
	}
	if flags.Changed("ssh-port") {
		tomlConfig.Server.SSHPort = opts.sshPort
	}
	if flags.Changed("http-port") {
		tomlConfig.Server.HTTPPort = opts.httpPort
	}
	if flags.Changed("metrics-port") {
		tomlConfig.Server.MetricsPort = opts.metricsPort
	}

	if err := server.InitLoggers(tomlConfig.Server.DataDir); err != nil {
		return fmt.Errorf("failed to initialize loggers: %w", err)
	}
	log.Printf("cyberchat-server %s (commit %s, built %s)", version, commit, date)
	log.Printf("Using config %s", opts.configPath)

	srv, err := server.NewServer(tomlConfig.ToServerConfig())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if opts.debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Received shutdown signal")
	return srv.Stop()
}
