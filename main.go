package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/funcbench/funcbench/engine"
	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/version"
)

const (
	AppName = "funcbench"
)

func main() {
	configPath := flag.String("c", "apps/config.json", "Path to the benchmark configuration file (JSON/YAML)")
	reportName := flag.String("o", "", "Report file name without extension (default: reports/report)")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	reportTypes := flag.String("reportType", "md", "Comma-separated report types: md, json, console")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
			version.Version, version.Commit, version.BuildDate)
		return
	}

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, *verbose)

	types := strings.Split(*reportTypes, ",")
	for i, t := range types {
		types[i] = strings.TrimSpace(t)
		if err := engine.ValidateReportType(types[i]); err != nil {
			logger.Logger.Error("Invalid report type", "error", err)
			os.Exit(1)
		}
	}

	if *reportName == "" {
		if err := os.MkdirAll("reports", logger.DirPermission); err != nil {
			logger.Logger.Error("Failed to create reports directory", "error", err)
			os.Exit(1)
		}
		*reportName = "reports/report"
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"config", *configPath,
		"report", *reportName,
		"logfile", *logPath,
		"verbose", *verbose)

	engine.Run(*configPath, *reportName, types)
}
