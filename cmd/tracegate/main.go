// Package main is the entry point for the tracegate binary.
package main

import (
	"os"

	"github.com/tracegate/tracegate/cmd/tracegate/cmd"
	"github.com/tracegate/tracegate/internal/buildinfo"
)

func main() {
	cmd.SetVersionInfo(buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
