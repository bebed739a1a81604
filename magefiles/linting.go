package main

import (
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const GOLANGCI_LINT_VERSION_CONSTRAINT = ">= 1.52.0"

func golangcilintBinary() string {
	return binaryWithExt("golangci-lint")
}

// "golangci-lint has version 1.52.2 built with go1.20.3 ..."
func golangciLintCheck() error {
	return versionCheck(golangcilintBinary(), []string{"--version"}, 3, GOLANGCI_LINT_VERSION_CONSTRAINT)
}

// Fixing Linting
func LintFix() error {
	mg.Deps(golangciLintCheck)
	return sh.RunV(golangcilintBinary(), "run", "--fix", "--timeout", "10m")
}

// Linting Check
func CheckLint() error {
	mg.Deps(golangciLintCheck)
	return sh.RunV(golangcilintBinary(), "run", "--timeout", "10m")
}
