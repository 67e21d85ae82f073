// Command gofast-cli sends one command to a gofastkv server and prints its
// response, mirroring the server's wire codec from the other side.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/armandparser/gofastkv/internal/client"
)

var addr string

var rootCmd = &cobra.Command{
	Use:                   "gofast-cli <command> [args...]",
	Short:                 "gofastkv command-line client",
	DisableFlagsInUseLine: true,
	Args:                  cobra.MinimumNArgs(1),
	RunE:                  run,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "gofastkv server address")
}

func run(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.SendCommand(args)
	if err != nil {
		return err
	}

	fmt.Println(client.Format(v))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gofast-cli: %v\n", err)
		os.Exit(1)
	}
}
