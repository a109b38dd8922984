// Handle the "srkstore serve" command
package cmd

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/spf13/cobra"
)

var serveCmdConfig struct {
	addr          string
	tlsSelfSigned bool
	tlsDir        string
	tlsHosts      []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage gateway",
	Long: `Serve the repository and object API until interrupted. Listen address,
authentication and the blob store come from the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveCmdConfig.addr != "" {
			srkManager.Cfg.Set("listen", serveCmdConfig.addr)
		}

		var cert *tls.Certificate
		if serveCmdConfig.tlsSelfSigned {
			c, err := srk.LoadDevCertificate(serveCmdConfig.tlsDir, serveCmdConfig.tlsHosts)
			if err != nil {
				return errors.Wrap(err, "Failed to load development certificate")
			}
			cert = c
		}

		s, err := srkManager.NewServer(cert)
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}

		// Shutdown cleanly on ctrl-c or sigterm from kill
		go func() {
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			<-c
			srkManager.Logger.Info("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Shutdown(ctx); err != nil {
				srkManager.Logger.Warnf("Unclean shutdown: %v", err)
			}
		}()

		return s.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveCmdConfig.addr, "address", "", "listen address, overrides 'listen' from the config")
	serveCmd.Flags().BoolVar(&serveCmdConfig.tlsSelfSigned, "tls-self-signed", false, "serve HTTPS with a generated development certificate")
	serveCmd.Flags().StringVar(&serveCmdConfig.tlsDir, "tls-dir", "./build/tls", "where the development certificate is kept")
	serveCmd.Flags().StringSliceVar(&serveCmdConfig.tlsHosts, "tls-hosts", []string{"localhost", "127.0.0.1"}, "hosts the development certificate is valid for")
}
