// Handles the "srkstore repository" command and its subcommands

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// repositoryCmd represents the repository command
var repositoryCmd = &cobra.Command{
	Use:   "repository",
	Short: "Manage repositories",
	Long:  `Create, inspect and delete repositories on a running gateway.`,
}

var repoCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a repository owned by your tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := clientContext()
		defer cancel()

		if err := c.CreateRepository(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Created repository %s\n", args[0])
		return nil
	},
}

var repoGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := clientContext()
		defer cancel()

		repo, err := c.GetRepository(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(repo)
	},
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a repository and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := clientContext()
		defer cancel()

		if err := c.DeleteRepository(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted repository %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(repositoryCmd)
	addClientFlags(repositoryCmd)

	repositoryCmd.AddCommand(repoCreateCmd)
	repositoryCmd.AddCommand(repoGetCmd)
	repositoryCmd.AddCommand(repoDeleteCmd)
}
