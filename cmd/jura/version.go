package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build via -ldflags.
var Version = "0.2.0-dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jura %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
