package main

import (
	"github.com/magefile/mage/sh"
)

const GO_VERSION_CONSTRAINT = ">= 1.19.0"

func goBinary() string {
	return binaryWithExt("go")
}

func goRun(args ...string) error {
	return sh.RunV(goBinary(), args...)
}

// "go version go1.19.3 linux/amd64"
func goCheck() error {
	return versionCheck(goBinary(), []string{"version"}, 2, GO_VERSION_CONSTRAINT)
}
