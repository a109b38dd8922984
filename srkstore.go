// srkstore runs the multi-tenant storage gateway and its command line client.
// See "srkstore --help" for the available subcommands.
package main

import "github.com/serverlessresearch/srkstore/cmd"

func main() {
	cmd.Execute()
}
