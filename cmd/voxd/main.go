package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmueller/voxd/internal/cli"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(report(os.Stderr, cmd, os.Args[1:], err))
	}
}

// report prints err with a hint matching its kind and returns the exit code.
func report(w io.Writer, root *cobra.Command, args []string, err error) int {
	fmt.Fprintln(w, err)
	switch {
	case isUsageError(err):
		fmt.Fprintf(w, "Run '%s --help' for usage.\n", helpHintTarget(root, args))
		return exitUsage
	case strings.HasPrefix(err.Error(), "config: "):
		fmt.Fprintln(w, "Check the config file and VOXD_* environment variables.")
	}
	return exitFailure
}

func isUsageError(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"accepts ",
		"requires at least",
		"requires at most",
		"requires between",
		"required flag",
		"missing required",
	}

	for _, pattern := range patterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}

	return false
}

func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "voxd"
	}

	target := root.CommandPath()
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return target
	}

	found, _, err := root.Find(args)
	if err == nil && found != nil {
		return found.CommandPath()
	}

	return target
}
