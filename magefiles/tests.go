package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
)

var Gotestsum string

// Gotestsum downloads gotestsum locally if necessary
func gotestsum() error {
	mg.Deps(makeLocalBin)
	Gotestsum = filepath.Join(LocalBin, "/gotestsum")

	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		fmt.Println(Gotestsum)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

// Tests runs the unit tests and generates coverage reports.
// NATS, NATS Streaming and Redis run in-process, so no external services are needed.
func Tests() error {
	mg.Deps(gotestsum)
	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	if err := runtest("internal_coverage.xml", "internal.txt", "./internal/..."); err != nil {
		return err
	}
	return runtest("cmd_coverage.xml", "cmd.txt", "./cmd/...")
}

func runtest(coverageFileName, outputFileName string, directories ...string) error {
	args := []string{"--", "-v", "-race"}
	if coverageFileName != "" {
		args = append(args, "-coverprofile", coverageFileName)
	}
	args = append(args, directories...)

	cmd := exec.Command(Gotestsum, args...)
	file, err := os.Create(filepath.Join("test_reports", outputFileName))
	if err != nil {
		return err
	}
	defer file.Close()

	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
