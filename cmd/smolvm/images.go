package main

import (
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Inspect and pull images inside a sandbox",
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull NAME IMAGE",
	Short: "Resolve (and fetch if needed) an image inside a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		err := apiCall("POST", "/api/v1/sandboxes/"+args[0]+"/images", map[string]any{
			"image": args[1],
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var imagesListCmd = &cobra.Command{
	Use:   "list NAME",
	Short: "List images cached inside a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := apiCall("GET", "/api/v1/sandboxes/"+args[0]+"/images", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	imagesCmd.AddCommand(imagesPullCmd, imagesListCmd)
}
