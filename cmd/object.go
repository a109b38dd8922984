// Handles the "srkstore object" command and its subcommands

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// objectCmd represents the object command
var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Transfer objects",
	Long:  `Upload, download, inspect and delete objects in a repository.`,
}

var objUploadCmdConfig struct {
	name string
}

var objUploadCmd = &cobra.Command{
	Use:   "upload REPOSITORY FILE",
	Short: "Upload a file",
	Long: `Upload FILE into REPOSITORY. The object is named after the file unless
--name is given. An existing object with the same name is replaced.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return errors.Wrap(err, "Failed to open upload source")
		}
		defer f.Close()

		name := objUploadCmdConfig.name
		if name == "" {
			name = filepath.Base(args[1])
		}

		ctx, cancel := clientContext()
		defer cancel()
		if err := c.Upload(ctx, args[0], name, f); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s/%s\n", args[0], name)
		return nil
	},
}

var objDownloadCmdConfig struct {
	output string
}

var objDownloadCmd = &cobra.Command{
	Use:   "download REPOSITORY OBJECT",
	Short: "Download an object",
	Long:  `Download OBJECT to --output, or to a file of the same name in the current directory. Use "-" for stdout.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (rerr error) {
		c, err := getClient()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		output := objDownloadCmdConfig.output
		if output == "" {
			output = filepath.Base(args[1])
		}
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return errors.Wrap(err, "Failed to create download target")
			}
			defer func() {
				if err := f.Close(); err != nil && rerr == nil {
					rerr = err
				}
				if rerr != nil {
					os.Remove(output)
				}
			}()
			w = f
		}

		ctx, cancel := clientContext()
		defer cancel()
		n, err := c.Download(ctx, args[0], args[1], w)
		if err != nil {
			return err
		}
		if output != "-" {
			fmt.Printf("Downloaded %d bytes to %s\n", n, output)
		}
		return nil
	},
}

var objInfoCmd = &cobra.Command{
	Use:   "info REPOSITORY OBJECT",
	Short: "Show an object's properties",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := clientContext()
		defer cancel()

		info, err := c.GetObjectInfo(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var objDeleteCmd = &cobra.Command{
	Use:   "delete REPOSITORY OBJECT",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := clientContext()
		defer cancel()

		if err := c.DeleteObject(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(objectCmd)
	addClientFlags(objectCmd)

	objectCmd.AddCommand(objUploadCmd)
	objUploadCmd.Flags().StringVarP(&objUploadCmdConfig.name, "name", "n", "", "object name, if different than the file name")

	objectCmd.AddCommand(objDownloadCmd)
	objDownloadCmd.Flags().StringVarP(&objDownloadCmdConfig.output, "output", "o", "", "where to write the object")

	objectCmd.AddCommand(objInfoCmd)
	objectCmd.AddCommand(objDeleteCmd)
}
