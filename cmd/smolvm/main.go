package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var addr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "smolvm",
	Short: "smolvm is a CLI for the smolvmd HTTP control plane",
	Long:  "smolvm drives sandboxes, containers, and images over a running smolvmd's REST bridge.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7670", "smolvmd HTTP bridge address")
	rootCmd.AddCommand(sandboxCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(containerCmd)
}
