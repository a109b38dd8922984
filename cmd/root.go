// Root of command-line argument parsing.
// This file was based off the standard cobra template, see
// https://github.com/spf13/cobra
package cmd

import (
	"fmt"
	"os"

	"github.com/serverlessresearch/srkstore/pkg/srkmgr"
	"github.com/spf13/cobra"
)

var cfgFile string

var srkManager *srkmgr.SrkManager

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "srkstore",
	Short: "Multi-tenant storage gateway",
	Long: `A gateway that puts tenant-owned repositories and objects in front of a
blob store (local disk, S3 or Azure Blob Storage).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		mgrArgs := map[string]interface{}{}
		if cfgFile != "" {
			mgrArgs["config-file"] = cfgFile
		}

		var err error
		srkManager, err = srkmgr.NewManager(mgrArgs)
		if err != nil {
			fmt.Printf("Failed to initialize srkstore manager: %v\n", err)
			os.Exit(1)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if srkManager == nil || srkManager.Logger == nil {
			fmt.Printf("%v\n", err)
		} else {
			srkManager.Logger.Error(err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/srkstore.yaml)")
}
