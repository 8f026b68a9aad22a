package main

import (
	"github.com/spf13/cobra"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage containers inside a sandbox",
}

var (
	containerImage   string
	containerWorkdir string
)

var containerCreateCmd = &cobra.Command{
	Use:   "create NAME -- COMMAND [ARGS...]",
	Short: "Create a container in a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/containers", map[string]any{
			"image":   containerImage,
			"command": args[1:],
			"workdir": containerWorkdir,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var containerListCmd = &cobra.Command{
	Use:   "list NAME",
	Short: "List containers in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("GET", "/api/v1/sandboxes/"+args[0]+"/containers", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var containerGetCmd = &cobra.Command{
	Use:   "get NAME CONTAINER_ID",
	Short: "Show one container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("GET", "/api/v1/sandboxes/"+args[0]+"/containers/"+args[1], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var containerStartCmd = &cobra.Command{
	Use:   "start NAME CONTAINER_ID",
	Short: "Start a created container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/containers/"+args[1]+"/start", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var containerStopCmd = &cobra.Command{
	Use:   "stop NAME CONTAINER_ID",
	Short: "Stop a running container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/containers/"+args[1]+"/stop", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var containerDeleteCmd = &cobra.Command{
	Use:   "delete NAME CONTAINER_ID",
	Short: "Delete a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("DELETE", "/api/v1/sandboxes/"+args[0]+"/containers/"+args[1], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	containerCreateCmd.Flags().StringVar(&containerImage, "image", "", "image reference")
	containerCreateCmd.Flags().StringVar(&containerWorkdir, "workdir", "", "working directory")
	_ = containerCreateCmd.MarkFlagRequired("image")

	containerCmd.AddCommand(containerCreateCmd, containerListCmd, containerGetCmd, containerStartCmd, containerStopCmd, containerDeleteCmd)
}
