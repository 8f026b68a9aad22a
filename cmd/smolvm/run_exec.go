package main

import (
	"github.com/spf13/cobra"
)

var (
	execContainerID string
	execImage       string
	execWorkdir     string
	execTimeoutMs   int64
)

var execCmd = &cobra.Command{
	Use:   "exec NAME -- COMMAND [ARGS...]",
	Short: "Run a command inside a sandbox (optionally inside a container)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		command := args[1:]

		var out any
		err := apiCall("POST", "/api/v1/sandboxes/"+name+"/exec", map[string]any{
			"container_id": execContainerID,
			"command":      command,
			"workdir":      execWorkdir,
			"timeout_ms":   execTimeoutMs,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run NAME -- COMMAND [ARGS...]",
	Short: "Run a one-shot command against an image's reusable overlay in a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		command := args[1:]

		var out any
		err := apiCall("POST", "/api/v1/sandboxes/"+name+"/run", map[string]any{
			"image":      execImage,
			"command":    command,
			"workdir":    execWorkdir,
			"timeout_ms": execTimeoutMs,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	execCmd.Flags().StringVar(&execContainerID, "container", "", "run inside this container instead of directly in the guest")
	execCmd.Flags().StringVar(&execWorkdir, "workdir", "", "working directory")
	execCmd.Flags().Int64Var(&execTimeoutMs, "timeout-ms", 0, "timeout in milliseconds (0 means the default)")

	runCmd.Flags().StringVar(&execImage, "image", "", "image reference")
	runCmd.Flags().StringVar(&execWorkdir, "workdir", "", "working directory")
	runCmd.Flags().Int64Var(&execTimeoutMs, "timeout-ms", 0, "timeout in milliseconds (0 means the default)")
	_ = runCmd.MarkFlagRequired("image")
}
