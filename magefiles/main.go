package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const buildPackage = "github.com/G-Research/busbench/internal/busbench/build"

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"docker-compose", dockerComposeCheck},
		{"go", goCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports"} {
		os.RemoveAll(path)
	}
}

// Builds bin/busbench with version information baked in.
func Build() error {
	mg.Deps(goCheck, makeLocalBin)
	timeTaken := time.Now()
	ldflags, err := buildLdflags()
	if err != nil {
		return err
	}
	output := binaryWithExt("bin/busbench")
	if err := goRun("build", "-ldflags", ldflags, "-o", output, "./cmd/busbench"); err != nil {
		return err
	}
	fmt.Printf("Built %s in %s\n", output, time.Since(timeTaken))
	return nil
}

func buildLdflags() (string, error) {
	commit, err := sh.Output("git", "rev-parse", "--short", "HEAD")
	if err != nil {
		commit = "unknown"
	}
	version := os.Getenv("BUSBENCH_VERSION")
	if version == "" {
		version = "dev"
	}
	flags := []string{
		fmt.Sprintf("-X %s.ReleaseVersion=%s", buildPackage, version),
		fmt.Sprintf("-X %s.GitCommit=%s", buildPackage, strings.TrimSpace(commit)),
		fmt.Sprintf("-X %s.BuildTime=%s", buildPackage, time.Now().UTC().Format(time.RFC3339)),
	}
	return strings.Join(flags, " "), nil
}
