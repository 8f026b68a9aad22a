package main

import (
	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
}

var (
	createCPUs      uint8
	createMemoryMiB uint32
	createRootfs    string
)

var sandboxCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Declare and start a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		err := apiCall("POST", "/api/v1/sandboxes", map[string]any{
			"name":       args[0],
			"cpus":       createCPUs,
			"memory_mib": createMemoryMiB,
			"rootfs":     createRootfs,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("GET", "/api/v1/sandboxes", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var sandboxGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show one sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("GET", "/api/v1/sandboxes/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var sandboxDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a stopped sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("DELETE", "/api/v1/sandboxes/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var sandboxStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a declared sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/start", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var sandboxStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a running sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/stop", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	sandboxCreateCmd.Flags().Uint8Var(&createCPUs, "cpus", 1, "vCPU count")
	sandboxCreateCmd.Flags().Uint32Var(&createMemoryMiB, "memory-mib", 512, "memory in MiB")
	sandboxCreateCmd.Flags().StringVar(&createRootfs, "rootfs", "", "path to the guest rootfs image")

	sandboxCmd.AddCommand(sandboxCreateCmd, sandboxListCmd, sandboxGetCmd, sandboxDeleteCmd, sandboxStartCmd, sandboxStopCmd)
}
