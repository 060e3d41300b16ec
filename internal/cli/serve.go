package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	transport "github.com/zenclaude/zenclaude/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	RunE:  runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	host := serveHost
	if host == "" {
		host = a.cfg.Dashboard.Host
	}
	port := servePort
	if port == 0 {
		port = a.cfg.Dashboard.Port
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("INFO: dashboard listening on %s", addr)
	return transport.NewServer(a.engine).Listen(addr)
}
