package main

import (
	"os"

	"github.com/G-Research/busbench/cmd/busbench/cmd"
	"github.com/G-Research/busbench/internal/common"
	"github.com/G-Research/busbench/internal/common/bencherrors"
)

// Config is handled by cmd/root.go
func main() {
	common.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	os.Exit(bencherrors.ExitCodeFromError(err))
}
