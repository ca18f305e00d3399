// Package runner launches one test program, drives output collection,
// and assembles the scored RunResult.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/funcbench/funcbench/analyzer"
	"github.com/funcbench/funcbench/collector"
	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
	"github.com/google/uuid"
)

// Runner executes test programs. A single Runner is shared by every
// concurrent task of a benchmark run; it holds no per-run state.
type Runner struct {
	Collector   *collector.Collector
	Analyzer    *analyzer.Analyzer
	TestCaseDir string
}

// New builds a Runner from run-wide settings.
func New(settings model.Settings, col *collector.Collector, an *analyzer.Analyzer) *Runner {
	return &Runner{
		Collector:   col,
		Analyzer:    an,
		TestCaseDir: settings.ResolveTestCaseDir(),
	}
}

// Run invokes one test program and returns its fully populated RunResult.
// Every failure mode (unresolvable executable, launch failure, I/O error)
// is captured into the result; Run never returns an error and never leaves
// the child process running.
func (r *Runner) Run(ctx context.Context, command []string, appConfig model.AppConfig, appName string) model.RunResult {
	start := time.Now()

	result := model.RunResult{
		RunID:    uuid.New().String(),
		AppName:  appName,
		IsStream: appConfig.Stream,
	}
	if len(command) == 0 {
		return r.failed(result, model.TestCase{}, start, fmt.Errorf("empty command"))
	}

	if modelName, ok := model.FlagValue(command[1:], model.ModelNameFlag); ok {
		result.Model = modelName
	}
	if testCaseName, ok := model.FlagValue(command[1:], model.TestCaseNameFlag); ok {
		result.TestCaseName = testCaseName
	}

	// The test case is resolved up front so even a failed launch reports
	// against the right expectations and model label.
	testCase := r.loadTestCase(command[1:])
	result.TestCase = testCase

	executable, err := ResolveExecutable(command[0])
	if err != nil {
		return r.failed(result, testCase, start, err)
	}

	logger.Logger.Debug("Launching test program",
		"app", appName,
		"executable", executable,
		"args", command[1:],
		"stream", appConfig.Stream)

	cmd := exec.Command(executable, command[1:]...)
	collected, err := r.Collector.Collect(ctx, cmd, appConfig.Stream)
	if err != nil {
		return r.failed(result, testCase, start, err)
	}

	analysis := r.Analyzer.Analyze(ctx, collected.Events, testCase)
	analysis.ResponseTime = time.Since(start).Seconds()

	result.Success = analysis.Success
	result.Stdout = collected.Stdout
	result.Stderr = collected.Stderr
	result.ExecutionTime = time.Since(start).Seconds()
	result.ReturnCode = collected.ReturnCode
	result.Responses = collected.Events
	result.Analysis = analysis

	logger.Logger.Info("Run completed",
		"app", appName,
		"model", result.ModelName(),
		"test_case", result.TestCaseName,
		"accuracy", analysis.Accuracy,
		"success", analysis.Success,
		"timed_out", collected.TimedOut,
		"duration", result.ExecutionTime)

	return result
}

func (r *Runner) failed(result model.RunResult, testCase model.TestCase, start time.Time, err error) model.RunResult {
	logger.Logger.Error("Failed to process application", "app", result.AppName, "error", err)

	result.Success = false
	result.Error = err.Error()
	result.ExecutionTime = time.Since(start).Seconds()
	result.ReturnCode = -1
	result.Responses = []model.EventRecord{}
	result.Analysis = model.DefaultAnalysis(testCase.Model)
	return result
}

// loadTestCase resolves the test case named by the --test_case_name=
// argument under the test-case directory. Absence or a parse failure
// degrades to the empty TestCase, never an error that aborts the run.
func (r *Runner) loadTestCase(args []string) model.TestCase {
	name, ok := model.FlagValue(args, model.TestCaseNameFlag)
	if !ok || name == "" {
		return model.TestCase{}
	}

	path := filepath.Join(r.TestCaseDir, name)
	testCase, err := model.ParseTestCase(path)
	if err != nil {
		logger.Logger.Warn("Failed to load test case, using empty expectations",
			"path", path,
			"error", err)
		return model.TestCase{}
	}

	logger.Logger.Debug("Test case loaded", "path", path)
	return testCase
}

// ResolveExecutable maps an interpreter name to the active virtual
// environment's copy when one is configured, and verifies the final
// executable can actually be found.
func ResolveExecutable(name string) (string, error) {
	if name == "python" || name == "python3" {
		if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
			binDir, pythonName := "bin", "python"
			if runtime.GOOS == "windows" {
				binDir, pythonName = "Scripts", "python.exe"
			}
			resolved := filepath.Join(venv, binDir, pythonName)
			if _, err := os.Stat(resolved); err != nil {
				return "", fmt.Errorf("python executable not found in virtual environment: %s", resolved)
			}
			return resolved, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("executable not found: %s: %w", name, err)
	}
	return path, nil
}
