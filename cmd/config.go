// Common configuration/setup for the client subcommands
package cmd

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/client"
	"github.com/spf13/cobra"
)

var clientConfig struct {
	url     string
	token   string
	timeout time.Duration
}

// Client subcommands only talk to a remote gateway, so they don't need the
// manager built in root.go.
func noManager(cmd *cobra.Command, args []string) {}

func getClient() (*client.Client, error) {
	token := clientConfig.token
	if token == "" {
		token = os.Getenv("SRKSTORE_TOKEN")
	}
	if token == "" {
		return nil, errors.New("no token: use --token or set SRKSTORE_TOKEN")
	}
	return client.New(clientConfig.url, token, nil), nil
}

func clientContext() (context.Context, context.CancelFunc) {
	if clientConfig.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), clientConfig.timeout)
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentPreRun = noManager
	cmd.PersistentFlags().StringVar(&clientConfig.url, "url", "http://localhost:8080", "gateway base URL")
	cmd.PersistentFlags().StringVar(&clientConfig.token, "token", "", "bearer token (default is $SRKSTORE_TOKEN)")
	cmd.PersistentFlags().DurationVar(&clientConfig.timeout, "timeout", 0, "give up after this long (0 waits forever)")
}
