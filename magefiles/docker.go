package main

import (
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const (
	DOCKER_VERSION_CONSTRAINT         = ">= 19.0.0"
	DOCKER_COMPOSE_VERSION_CONSTRAINT = ">= 2.0.0"
)

func dockerBinary() string {
	return binaryWithExt("docker")
}

func dockerComposeBinary() string {
	return binaryWithExt("docker-compose")
}

func dockerComposeRun(args ...string) error {
	return sh.RunV(dockerComposeBinary(), args...)
}

// "Docker version 20.10.17, build 100c701"
func dockerCheck() error {
	return versionCheck(dockerBinary(), []string{"--version"}, 2, DOCKER_VERSION_CONSTRAINT)
}

// "Docker Compose version v2.10.2"
func dockerComposeCheck() error {
	return versionCheck(dockerComposeBinary(), []string{"version"}, 3, DOCKER_COMPOSE_VERSION_CONSTRAINT)
}

// versionCheck runs binary with args and checks the whitespace separated field at index
// against constraint.
func versionCheck(binary string, args []string, index int, constraint string) error {
	output, err := sh.Output(binary, args...)
	if err != nil {
		return errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) <= index {
		return errors.Errorf("unexpected version cmd output: %s", output)
	}
	version, err := semver.NewVersion(strings.TrimRight(strings.TrimLeft(fields[index], "gov"), ","))
	if err != nil {
		return errors.Errorf("error parsing version: %v", err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !c.Check(version) {
		return errors.Errorf("found version %v but it failed constaint %v", version, c)
	}
	return nil
}
