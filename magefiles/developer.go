package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var services = []string{"nats", "stan", "pulsar", "redis"}

var transports = []string{"nats", "stan", "pulsar"}

// Dependencies include nats, nats streaming, pulsar and redis
func StartDependencies() error {
	mg.Deps(dockerComposeCheck)
	// If user is on arm, export to env "PULSAR_IMAGE=kezhenxu94/pulsar"
	if onArm() {
		os.Setenv("PULSAR_IMAGE", "kezhenxu94/pulsar")
	}
	return dockerComposeRun(append([]string{"up", "-d"}, services...)...)
}

// StopDependencies stops the dependencies
func StopDependencies() error {
	return dockerComposeRun(append([]string{"down", "-v"}, services...)...)
}

// Bench runs one receive/send round against a local transport started with StartDependencies.
func Bench(transport string) error {
	if err := validateArg(transport, transports); err != nil {
		return err
	}
	mg.Deps(Build)
	if transport == "pulsar" {
		waitForPulsar()
	}

	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	binary := binaryWithExt("bin/busbench")
	transportFlag := "--transport.kind=" + transport
	receiveErr := make(chan error, 1)
	go func() {
		receiveErr <- sh.RunV(binary, "receive", transportFlag, "--report=test_reports/bench-"+transport+".yaml")
	}()
	// Give the receiver time to subscribe; pulsar and nats drop messages published before that.
	time.Sleep(5 * time.Second)
	if err := sh.RunV(binary, "send", transportFlag, "--send.corruptEvery=100"); err != nil {
		return err
	}
	return <-receiveErr
}

func waitForPulsar() {
	timeTaken := time.Now()
	for i := 0; i < 30; i++ {
		if err := dockerComposeRun("exec", "pulsar", "bin/pulsar-admin", "tenants", "list"); err == nil {
			fmt.Println("Time to wait for pulsar:", time.Since(timeTaken))
			return
		}
		time.Sleep(2 * time.Second)
	}
	fmt.Println("pulsar did not become ready, continuing anyway")
}
