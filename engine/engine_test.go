package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetupLogger(io.Discard, false)
	m.Run()
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidateConfig(t *testing.T) {
	t.Run("Valid configuration", func(t *testing.T) {
		config := &model.BenchConfig{
			Apps: map[string]model.AppConfig{
				"app": {Command: "python", Args: []string{"app.py"}},
			},
		}
		assert.NoError(t, ValidateConfig(config))
	})

	t.Run("Nil configuration", func(t *testing.T) {
		assert.Error(t, ValidateConfig(nil))
	})

	t.Run("No applications", func(t *testing.T) {
		assert.Error(t, ValidateConfig(&model.BenchConfig{}))
	})

	t.Run("Application without command", func(t *testing.T) {
		config := &model.BenchConfig{
			Apps: map[string]model.AppConfig{"app": {}},
		}
		assert.Error(t, ValidateConfig(config))
	})

	t.Run("Unknown similarity strategy", func(t *testing.T) {
		config := &model.BenchConfig{
			Settings: model.Settings{Similarity: "edit-distance"},
			Apps: map[string]model.AppConfig{
				"app": {Command: "python"},
			},
		}
		assert.Error(t, ValidateConfig(config))
	})
}

func TestValidateReportType(t *testing.T) {
	assert.NoError(t, ValidateReportType("md"))
	assert.NoError(t, ValidateReportType("json"))
	assert.NoError(t, ValidateReportType("console"))
	assert.Error(t, ValidateReportType("html"))
	assert.Error(t, ValidateReportType(""))
}

// ============================================================================
// Resolution Tests
// ============================================================================

func TestResolveModels(t *testing.T) {
	t.Run("No flag means one unparameterized run", func(t *testing.T) {
		models := ResolveModels(model.AppConfig{Args: []string{"app.py"}})
		assert.Equal(t, []string{""}, models)
	})

	t.Run("Literal model identifier", func(t *testing.T) {
		models := ResolveModels(model.AppConfig{Args: []string{"--model_name=gpt-4o"}})
		assert.Equal(t, []string{"gpt-4o"}, models)
	})

	t.Run("Model-list file expands", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "models.json")
		require.NoError(t, os.WriteFile(path, []byte(`["gpt-4o","claude-sonnet"]`), 0644))

		models := ResolveModels(model.AppConfig{Args: []string{"--model_name=" + path}})
		assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, models)
	})

	t.Run("Unparsable file falls back to the literal value", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "models.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0644))

		models := ResolveModels(model.AppConfig{Args: []string{"--model_name=" + path}})
		assert.Equal(t, []string{path}, models)
	})
}

func TestResolveTestCases(t *testing.T) {
	setupDir := func(t *testing.T, names ...string) string {
		t.Helper()
		dir := t.TempDir()
		for _, name := range names {
			full := filepath.Join(dir, name)
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
			require.NoError(t, os.WriteFile(full, []byte(`{}`), 0644))
		}
		return dir
	}

	t.Run("Explicit file name passes through", func(t *testing.T) {
		cases := ResolveTestCases(
			model.AppConfig{Args: []string{"--test_case_name=case1.json"}},
			setupDir(t, "case1.json", "case2.json"))
		assert.Equal(t, []string{"case1.json"}, cases)
	})

	t.Run("No flag enumerates the whole directory", func(t *testing.T) {
		cases := ResolveTestCases(
			model.AppConfig{},
			setupDir(t, "b.json", "a.json", "notes.txt"))
		sort.Strings(cases)
		assert.Equal(t, []string{"a.json", "b.json"}, cases)
	})

	t.Run("Sub-directory name enumerates inside it", func(t *testing.T) {
		cases := ResolveTestCases(
			model.AppConfig{Args: []string{"--test_case_name=weather"}},
			setupDir(t, "weather/w1.json", "weather/w2.json", "other.json"))
		sort.Strings(cases)
		assert.Equal(t, []string{
			filepath.Join("weather", "w1.json"),
			filepath.Join("weather", "w2.json"),
		}, cases)
	})

	t.Run("Missing directory degrades to a single run", func(t *testing.T) {
		cases := ResolveTestCases(model.AppConfig{}, filepath.Join(t.TempDir(), "missing"))
		assert.Equal(t, []string{""}, cases)
	})
}

// ============================================================================
// Enumeration Tests
// ============================================================================

func TestEnumerateTasks(t *testing.T) {
	t.Run("Cross product of models and test cases", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"case1.json", "case2.json"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0644))
		}
		modelsFile := filepath.Join(dir, "models.list")
		require.NoError(t, os.WriteFile(modelsFile, []byte(`["m1","m2"]`), 0644))

		config := &model.BenchConfig{
			Settings: model.Settings{TestCaseDir: dir},
			Apps: map[string]model.AppConfig{
				"app": {Command: "python", Args: []string{"app.py", "--model_name=" + modelsFile}},
			},
		}

		tasks := EnumerateTasks(config)
		require.Len(t, tasks, 4)

		seen := make(map[string]bool)
		for _, task := range tasks {
			seen[task.Model+"/"+task.TestCaseFile] = true
			assert.Equal(t, "app", task.AppName)
			assert.Equal(t, "python", task.Command[0])
			assert.Contains(t, task.Command, "--model_name="+task.Model)
			assert.Contains(t, task.Command, "--test_case_name="+task.TestCaseFile)
		}
		assert.Len(t, seen, 4)
	})

	t.Run("Arguments are template-rendered per task", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "case1.json"), []byte(`{}`), 0644))

		config := &model.BenchConfig{
			Settings: model.Settings{TestCaseDir: dir},
			Apps: map[string]model.AppConfig{
				"app": {Command: "python", Args: []string{"--label={{APP_NAME}}"}},
			},
		}

		tasks := EnumerateTasks(config)
		require.Len(t, tasks, 1)
		assert.Contains(t, tasks[0].Command, "--label=app")
	})

	t.Run("App without flags still yields one task per test case", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "only.json"), []byte(`{}`), 0644))

		config := &model.BenchConfig{
			Settings: model.Settings{TestCaseDir: dir},
			Apps: map[string]model.AppConfig{
				"app": {Command: "./agent"},
			},
		}

		tasks := EnumerateTasks(config)
		require.Len(t, tasks, 1)
		assert.Equal(t, "", tasks[0].Model)
		assert.Equal(t, "only.json", tasks[0].TestCaseFile)
	})
}

func TestTaskKey(t *testing.T) {
	app, modelName, testCase := Task{AppName: "a", Model: "m", TestCaseFile: "t.json"}.Key()
	assert.Equal(t, "a", app)
	assert.Equal(t, "m", modelName)
	assert.Equal(t, "t.json", testCase)

	_, modelName, testCase = Task{AppName: "a"}.Key()
	assert.Equal(t, "unspecified", modelName)
	assert.Equal(t, "default", testCase)
}

// ============================================================================
// Dispatch Tests
// ============================================================================

// fakeRunner records invocations and answers from a canned script.
type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	fail     map[string]bool
	panicOn  string
}

func (f *fakeRunner) Run(_ context.Context, command []string, _ model.AppConfig, appName string) model.RunResult {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	testCase, _ := model.FlagValue(command, model.TestCaseNameFlag)
	if testCase == f.panicOn && f.panicOn != "" {
		panic("runner exploded")
	}

	return model.RunResult{
		AppName:      appName,
		TestCaseName: testCase,
		Success:      !f.fail[testCase],
	}
}

func makeTasks(app string, testCases ...string) []Task {
	tasks := make([]Task, 0, len(testCases))
	for _, tc := range testCases {
		tasks = append(tasks, Task{
			AppName:      app,
			Model:        "m1",
			TestCaseFile: tc,
			Command:      []string{"prog", "--test_case_name=" + tc},
		})
	}
	return tasks
}

func TestRunTasks(t *testing.T) {
	t.Run("Every task lands in the table", func(t *testing.T) {
		runner := &fakeRunner{}
		tasks := makeTasks("app", "a.json", "b.json", "c.json")

		table := RunTasks(context.Background(), tasks, runner, 0)

		assert.Equal(t, 3, runner.calls)
		require.Contains(t, table, "app")
		assert.Len(t, table["app"]["m1"], 3)
		assert.False(t, HasFailures(table))
	})

	t.Run("Failures are isolated per task", func(t *testing.T) {
		runner := &fakeRunner{fail: map[string]bool{"b.json": true}}
		tasks := makeTasks("app", "a.json", "b.json")

		table := RunTasks(context.Background(), tasks, runner, 0)

		assert.True(t, table["app"]["m1"]["a.json"].Success)
		assert.False(t, table["app"]["m1"]["b.json"].Success)
		assert.True(t, HasFailures(table))
	})

	t.Run("Panicking task becomes a failure result", func(t *testing.T) {
		runner := &fakeRunner{panicOn: "boom.json"}
		tasks := makeTasks("app", "ok.json", "boom.json")

		table := RunTasks(context.Background(), tasks, runner, 0)

		require.Len(t, table["app"]["m1"], 2)
		boom := table["app"]["m1"]["boom.json"]
		assert.False(t, boom.Success)
		assert.Contains(t, boom.Error, "panicked")
		assert.Equal(t, -1, boom.ReturnCode)
		assert.True(t, table["app"]["m1"]["ok.json"].Success)
	})

	t.Run("Worker limit bounds concurrency", func(t *testing.T) {
		runner := &fakeRunner{}
		tasks := makeTasks("app", "a.json", "b.json", "c.json", "d.json", "e.json", "f.json")

		table := RunTasks(context.Background(), tasks, runner, 2)

		assert.Equal(t, 6, runner.calls)
		assert.LessOrEqual(t, runner.maxSeen, 2)
		assert.Len(t, table["app"]["m1"], 6)
	})

	t.Run("Scheduled identity backfills the result", func(t *testing.T) {
		runner := &fakeRunner{}
		tasks := []Task{{
			AppName:      "app",
			Model:        "m1",
			TestCaseFile: "t.json",
			Command:      []string{"prog"},
		}}

		table := RunTasks(context.Background(), tasks, runner, 0)

		result := table["app"]["m1"]["t.json"]
		assert.Equal(t, "m1", result.Model)
		assert.Equal(t, "t.json", result.TestCaseName)
	})

	t.Run("Empty task list yields an empty table", func(t *testing.T) {
		table := RunTasks(context.Background(), nil, &fakeRunner{}, 0)
		assert.Empty(t, table)
		assert.False(t, HasFailures(table))
	})
}

func TestHasFailures(t *testing.T) {
	table := model.ResultTable{
		"app": {"m": {"t": {Success: true}}},
	}
	assert.False(t, HasFailures(table))

	table["app"]["m"]["t2"] = model.RunResult{Success: false, Error: fmt.Sprintf("exit %d", 1)}
	assert.True(t, HasFailures(table))
}
