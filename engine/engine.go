// Package engine orchestrates a benchmark run: it enumerates the
// application x model x test-case cross product, fans the tasks out as
// concurrent process runs, and gathers the results into the report table.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/funcbench/funcbench/analyzer"
	"github.com/funcbench/funcbench/collector"
	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
	"github.com/funcbench/funcbench/report"
	"github.com/funcbench/funcbench/runner"
	"github.com/google/uuid"
	"github.com/life4/genesis/slices"
)

// Task is one independent unit of work: a single invocation of one
// application against one model and one test-case file. Tasks have no
// ordering dependencies between them.
type Task struct {
	AppName      string
	Model        string
	TestCaseFile string
	Command      []string
	Config       model.AppConfig
}

// Key returns the task's slot in the nested result table.
func (t Task) Key() (app, modelName, testCase string) {
	modelName = t.Model
	if modelName == "" {
		modelName = "unspecified"
	}
	testCase = t.TestCaseFile
	if testCase == "" {
		testCase = "default"
	}
	return t.AppName, modelName, testCase
}

// Run executes the whole benchmark described by the configuration file and
// writes the requested reports. Configuration load failure is the only
// error fatal to the run; everything else is captured per task.
func Run(configPath string, reportFileName string, reportTypes []string) {
	config, err := model.ParseBenchConfig(configPath)
	if err != nil {
		logger.Logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := ValidateConfig(config); err != nil {
		logger.Logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("Configuration loaded",
		"apps", len(config.Apps),
		"similarity", config.Settings.Similarity,
		"workers", config.Settings.Workers)

	scorer, err := analyzer.NewScorer(config.Settings)
	if err != nil {
		logger.Logger.Error("Failed to initialize similarity scorer", "error", err)
		os.Exit(1)
	}

	run := runner.New(
		config.Settings,
		collector.New(config.Settings),
		analyzer.New(config.Settings, scorer),
	)

	tasks := EnumerateTasks(config)
	if len(tasks) == 0 {
		logger.Logger.Error("No runnable tasks enumerated from configuration")
		os.Exit(1)
	}

	logger.Logger.Info("Starting benchmark", "tasks", len(tasks))
	table := RunTasks(context.Background(), tasks, run, config.Settings.Workers)

	generator := report.NewGenerator()
	generator.ConfigFile = configPath
	generator.PrintSummary(table)

	for _, reportType := range reportTypes {
		if reportType == "console" {
			continue
		}
		outputPath := reportFileName + "." + reportType
		if err := generator.Write(table, reportType, outputPath); err != nil {
			logger.Logger.Error("Failed to generate report", "type", reportType, "error", err)
			os.Exit(1)
		}
		logger.Logger.Info("Report generated", "path", outputPath)
	}

	if HasFailures(table) {
		logger.Logger.Warn("Benchmark completed with failures")
		os.Exit(1)
	}
	logger.Logger.Info("All benchmark runs passed")
}

// ValidateConfig rejects configurations the orchestrator cannot act on.
func ValidateConfig(config *model.BenchConfig) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(config.Apps) == 0 {
		return fmt.Errorf("no applications configured")
	}
	for name, app := range config.Apps {
		if app.Command == "" {
			return fmt.Errorf("application %q has no command", name)
		}
	}
	switch config.Settings.Similarity {
	case "", model.SimilaritySubstring, model.SimilarityEmbedding:
	default:
		return fmt.Errorf("unknown similarity strategy: %s", config.Settings.Similarity)
	}
	return nil
}

// ValidateReportType checks a requested report output format.
func ValidateReportType(reportType string) error {
	if reportType != "json" && reportType != "md" && reportType != "console" {
		return fmt.Errorf("unknown type %s, supported types are: json, md, console", reportType)
	}
	return nil
}

// EnumerateTasks expands every application into its model x test-case
// cross product. The per-task command line carries --model_name= and
// --test_case_name= for the resolved pair; remaining arguments pass
// through template rendering with the environment and run identifiers.
func EnumerateTasks(config *model.BenchConfig) []Task {
	testCaseDir := config.Settings.ResolveTestCaseDir()
	tasks := make([]Task, 0)

	for appName, app := range config.Apps {
		models := ResolveModels(app)
		testCases := ResolveTestCases(app, testCaseDir)

		logger.Logger.Debug("Enumerated application",
			"app", appName,
			"models", len(models),
			"test_cases", len(testCases))

		for _, modelName := range models {
			for _, testCase := range testCases {
				templateCtx := model.GetAllEnv()
				templateCtx["RUN_ID"] = uuid.New().String()
				templateCtx["APP_NAME"] = appName
				templateCtx["MODEL_NAME"] = modelName
				templateCtx["TEST_CASE_NAME"] = testCase

				args := slices.Map(app.Args, func(arg string) string {
					return model.RenderTemplate(arg, templateCtx)
				})
				if modelName != "" {
					args = model.ReplaceFlag(args, model.ModelNameFlag, modelName)
				}
				if testCase != "" {
					args = model.ReplaceFlag(args, model.TestCaseNameFlag, testCase)
				}

				tasks = append(tasks, Task{
					AppName:      appName,
					Model:        modelName,
					TestCaseFile: testCase,
					Command:      append([]string{app.Command}, args...),
					Config:       app,
				})
			}
		}
	}

	return tasks
}

// ResolveModels resolves the application's model list. The --model_name=
// argument names a JSON model-list file when such a file exists, otherwise
// it is a literal model identifier. No flag means a single run with the
// args left untouched.
func ResolveModels(app model.AppConfig) []string {
	value, ok := model.FlagValue(app.Args, model.ModelNameFlag)
	if !ok || value == "" {
		return []string{""}
	}

	for _, candidate := range []string{value, filepath.Join("models", value)} {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		models, err := model.ParseModelList(candidate)
		if err != nil {
			logger.Logger.Warn("Failed to parse model list, using literal value",
				"path", candidate,
				"error", err)
			break
		}
		if len(models) > 0 {
			return models
		}
	}

	return []string{value}
}

// ResolveTestCases resolves the application's test-case files, as names
// relative to the test-case directory. A --test_case_name= argument naming
// a single file selects just that file; naming a sub-directory, or leaving
// the flag out, enumerates every *.json inside.
func ResolveTestCases(app model.AppConfig, testCaseDir string) []string {
	value, _ := model.FlagValue(app.Args, model.TestCaseNameFlag)

	scanDir := testCaseDir
	prefix := ""
	if value != "" {
		candidate := filepath.Join(testCaseDir, value)
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			scanDir = candidate
			prefix = value
		} else {
			return []string{value}
		}
	}

	entries, err := os.ReadDir(scanDir)
	if err != nil {
		logger.Logger.Warn("Failed to enumerate test cases", "dir", scanDir, "error", err)
		if value != "" {
			return []string{value}
		}
		return []string{""}
	}

	files := slices.Filter(entries, func(entry os.DirEntry) bool {
		return !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json")
	})
	names := slices.Map(files, func(entry os.DirEntry) string {
		if prefix != "" {
			return filepath.Join(prefix, entry.Name())
		}
		return entry.Name()
	})

	if len(names) == 0 {
		if value != "" {
			return []string{value}
		}
		return []string{""}
	}
	return names
}

// TaskRunner is the part of the process runner the orchestrator needs.
// Tests inject lightweight fakes here.
type TaskRunner interface {
	Run(ctx context.Context, command []string, appConfig model.AppConfig, appName string) model.RunResult
}

// RunTasks dispatches every task as an independent goroutine, bounded by a
// worker semaphore when workers > 0 and fully fanned out otherwise. Every
// outcome lands in the table: a panicking task is substituted with a
// failure-shaped RunResult instead of aborting the batch, and a slow task
// never delays its siblings.
func RunTasks(ctx context.Context, tasks []Task, taskRunner TaskRunner, workers int) model.ResultTable {
	type outcome struct {
		task   Task
		result model.RunResult
	}

	results := make(chan outcome, len(tasks))

	var semaphore chan struct{}
	if workers > 0 {
		semaphore = make(chan struct{}, workers)
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()

			if semaphore != nil {
				semaphore <- struct{}{}
				defer func() { <-semaphore }()
			}

			defer func() {
				if r := recover(); r != nil {
					logger.Logger.Error("Task panicked",
						"app", task.AppName,
						"model", task.Model,
						"test_case", task.TestCaseFile,
						"panic", r)
					results <- outcome{task: task, result: failureResult(task, fmt.Sprintf("task panicked: %v", r))}
				}
			}()

			result := taskRunner.Run(ctx, task.Command, task.Config, task.AppName)
			if result.Model == "" {
				result.Model = task.Model
			}
			if result.TestCaseName == "" {
				result.TestCaseName = task.TestCaseFile
			}
			results <- outcome{task: task, result: result}
		}(task)
	}

	wg.Wait()
	close(results)

	table := make(model.ResultTable)
	for out := range results {
		app, modelName, testCase := out.task.Key()
		if table[app] == nil {
			table[app] = make(map[string]map[string]model.RunResult)
		}
		if table[app][modelName] == nil {
			table[app][modelName] = make(map[string]model.RunResult)
		}
		table[app][modelName][testCase] = out.result
	}
	return table
}

func failureResult(task Task, message string) model.RunResult {
	return model.RunResult{
		RunID:        uuid.New().String(),
		AppName:      task.AppName,
		Model:        task.Model,
		TestCaseName: task.TestCaseFile,
		Success:      false,
		Error:        message,
		ReturnCode:   -1,
		IsStream:     task.Config.Stream,
		Responses:    []model.EventRecord{},
		Analysis:     model.DefaultAnalysis(""),
	}
}

// HasFailures reports whether any run in the table failed.
func HasFailures(table model.ResultTable) bool {
	for _, result := range table.Flatten() {
		if !result.Success {
			return true
		}
	}
	return false
}
