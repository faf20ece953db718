//go:build mage

// transferd build tasks.
// Install mage: go install github.com/magefile/mage@latest
// Run: mage [target]
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binDir = "bin"
)

var (
	// Colors for output
	green  = "\033[0;32m"
	yellow = "\033[1;33m"
	nc     = "\033[0m" // No Color
)

var binaries = []struct{ name, path string }{
	{"transferd", "./cmd/transferd"},
	{"fetch", "./cmd/fetch"},
}

// Default target when running mage without arguments
var Default = Build

// ----------------------------------------------------------------------------
// Build targets
// ----------------------------------------------------------------------------

// Build builds all binaries (transferd, fetch)
func Build() error {
	mg.Deps(BuildDaemon, BuildFetch)
	return nil
}

// BuildDaemon builds the transferd binary
func BuildDaemon() error {
	return build("transferd", "./cmd/transferd", nil)
}

// BuildFetch builds the fetch CLI
func BuildFetch() error {
	return build("fetch", "./cmd/fetch", nil)
}

// BuildLinux cross-compiles all binaries for Linux amd64
func BuildLinux() error {
	return buildFor("linux", "amd64")
}

// BuildLinuxArm cross-compiles all binaries for Linux arm64
func BuildLinuxArm() error {
	return buildFor("linux", "arm64")
}

// BuildDarwin cross-compiles all binaries for macOS arm64 (poll backend)
func BuildDarwin() error {
	return buildFor("darwin", "arm64")
}

// BuildAll cross-compiles for all supported platforms
func BuildAll() error {
	mg.Deps(BuildLinux, BuildLinuxArm, BuildDarwin)
	return nil
}

func buildFor(goos, goarch string) error {
	printGreen("Building for %s %s...", goos, goarch)
	env := map[string]string{"GOOS": goos, "GOARCH": goarch}
	for _, b := range binaries {
		if err := build(b.name+"-"+goos+"-"+goarch, b.path, env); err != nil {
			return err
		}
	}
	printGreen("%s %s build complete", goos, goarch)
	return nil
}

func build(name, path string, env map[string]string) error {
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return err
	}
	if err := sh.RunWith(env, "go", "build", "-o", filepath.Join(binDir, name), path); err != nil {
		return err
	}
	printGreen("Built %s/%s", binDir, name)
	return nil
}

// ----------------------------------------------------------------------------
// Code quality targets
// ----------------------------------------------------------------------------

// Lint runs golangci-lint
func Lint() error {
	printGreen("Running golangci-lint...")
	if err := ensureGolangciLint(); err != nil {
		return err
	}
	return sh.Run("golangci-lint", "run", "--timeout=5m", "./...")
}

// Fmt formats Go code
func Fmt() error {
	printGreen("Formatting Go code...")
	return sh.Run("gofmt", "-s", "-w", ".")
}

// Vet runs go vet
func Vet() error {
	printGreen("Running go vet...")
	return sh.Run("go", "vet", "./...")
}

// Test runs unit tests with the race detector
func Test() error {
	printGreen("Running tests...")
	return sh.Run("go", "test", "-race", "-v", "./...")
}

// ----------------------------------------------------------------------------
// Benchmark targets
// ----------------------------------------------------------------------------

// Benchmark downloads BENCH_URL 1000 times through one multiplexer
func Benchmark() error {
	mg.Deps(BuildFetch)
	url := os.Getenv("BENCH_URL")
	if url == "" {
		return fmt.Errorf("BENCH_URL is not set")
	}
	printGreen("Benchmarking %s...", url)
	return sh.Run(filepath.Join(binDir, "fetch"), "-bench", "1000", "-concurrency", "64", url)
}

// ----------------------------------------------------------------------------
// Dependency management
// ----------------------------------------------------------------------------

// Deps downloads Go dependencies
func Deps() error {
	printGreen("Downloading dependencies...")
	if err := sh.Run("go", "mod", "download"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "tidy")
}

// ----------------------------------------------------------------------------
// Meta targets
// ----------------------------------------------------------------------------

// Check runs all checks (deps, lint, vet, test, build)
func Check() error {
	mg.SerialDeps(Deps, Lint, Vet, Test, Build)
	printGreen("All checks passed")
	return nil
}

// Clean removes build artifacts and local state
func Clean() error {
	printGreen("Cleaning...")
	for _, dir := range []string{binDir, "data", "downloads"} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	if err := os.Remove("transferd.log"); err != nil && !os.IsNotExist(err) {
		return err
	}
	printGreen("Clean complete")
	return nil
}

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

func printGreen(format string, args ...interface{}) {
	fmt.Printf("%s%s%s\n", green, fmt.Sprintf(format, args...), nc)
}

func printYellow(format string, args ...interface{}) {
	fmt.Printf("%s%s%s\n", yellow, fmt.Sprintf(format, args...), nc)
}

func ensureGolangciLint() error {
	_, err := exec.LookPath("golangci-lint")
	if err != nil {
		printYellow("golangci-lint not installed. Installing...")
		return sh.Run("go", "install", "github.com/golangci/golangci-lint/cmd/golangci-lint@latest")
	}
	return nil
}
