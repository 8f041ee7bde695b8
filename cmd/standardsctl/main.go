// Command standardsctl drives a running standards orchestrator over HTTP.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/standards-retrieval/internal/api"
	"github.com/nidhogg/standards-retrieval/internal/config"
)

var version = "dev"

func main() {
	cmd := newRootCmd(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for rejected configuration or arguments, 1 otherwise.
func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return 2
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.IsBadRequest() {
		return 2
	}
	return 1
}

type cli struct {
	server  string
	timeout time.Duration
	out     io.Writer
}

func (c *cli) client() *api.Client {
	return api.NewClient(c.server, c.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "standardsctl",
		Short:         "Control the standards retrieval orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.server, "server", envOr("STANDARDS_SERVER", "http://localhost:8080"), "orchestrator server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Minute, "request timeout")

	root.AddCommand(c.startCmd(), c.stopCmd(), c.checkpointCmd(), c.statusCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
