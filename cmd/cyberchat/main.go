package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aeolun/cyberchat/pkg/client"
	"github.com/aeolun/cyberchat/pkg/client/ui"
)

func main() {
	var (
		serverAddr string
		name       string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "cyberchat",
		Short: "Terminal client for cyberchat",
		Long: `cyberchat connects to a chat server and opens an interactive session.

The server address is host[:port] for raw TCP, or a URL:
  tcp://host:65432   ssh://[user@]host:6466   ws://host:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), serverAddr, name, debug)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&serverAddr, "server", "s", "localhost:65432", "Server address")
	flags.StringVarP(&name, "name", "n", "", "Display name (the server picks one if empty)")
	flags.BoolVar(&debug, "debug", false, "Log connection events to cyberchat-client.log")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, serverAddr, name string, debug bool) error {
	logger := log.New(io.Discard, "", 0)
	if debug {
		f, err := os.OpenFile(filepath.Join(os.TempDir(), "cyberchat-client.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		logger = log.New(f, "", log.LstdFlags)
	}

	fmt.Printf("[CONNECTING] Connecting to %s...\n", serverAddr)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := client.Dial(dialCtx, serverAddr, name)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetLogger(logger)

	p := tea.NewProgram(ui.NewModel(conn), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(ui.Model); ok && m.Err() != nil {
		return m.Err()
	}
	fmt.Println("[CLOSED] Client closed")
	return nil
}
