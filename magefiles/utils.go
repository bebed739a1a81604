package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

var LocalBin = filepath.Join(os.Getenv("PWD"), "/bin")

func binaryWithExt(name string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("%s.exe", name)
	}
	return name
}

// Check if the user is on an arm system
func onArm() bool {
	return runtime.GOARCH == "arm64"
}

func makeLocalBin() error {
	if _, err := os.Stat(LocalBin); os.IsNotExist(err) {
		err = os.MkdirAll(LocalBin, os.ModePerm)
		if err != nil {
			return err
		}
	}
	return nil
}

// Validates that arg is one of validArgs.
// Returns nil if arg is valid, error otherwise.
func validateArg(arg string, validArgs []string) error {
	for _, validArg := range validArgs {
		if arg == validArg {
			return nil
		}
	}
	return errors.Errorf("invalid argument: %s, expected one of: %s", arg, validArgs)
}
