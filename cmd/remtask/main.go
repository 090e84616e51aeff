// Command remtask runs a plan of local and remote commands described in a
// YAML file and makes sure nothing it started outlives it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/andrej220/remtask/internal/persistence"
	"github.com/andrej220/remtask/internal/shutdown"
	"github.com/andrej220/remtask/pkg/config"
	"github.com/andrej220/remtask/pkg/config/filestore"
	"github.com/andrej220/remtask/pkg/plan"
	"github.com/andrej220/remtask/pkg/task"
)

const serviceName = "remtask"

const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "remtask.yaml", "path to the YAML plan")
	resultsPath := fs.String("results", "", "write the results of every leaf as JSON to this file")
	check := fs.Bool("check", false, "validate the configuration and exit")
	writeConfig := fs.String("write-config", "", "write the configuration with defaults applied to this file")
	logCfg := lg.Config{ServiceName: serviceName}
	logCfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "remtask: %v\n", err)
		return exitUsage
	}
	if !flagPassed(fs, "log-format") {
		logCfg.Format = cfg.Log.Format
	}
	logCfg.Debug = logCfg.Debug || cfg.Log.Debug

	logger := lg.New(&logCfg)
	defer logger.Sync()
	ctx = lg.Attach(ctx, logger)

	reg := task.NewRegistry(logger)
	p, err := plan.Build(ctx, reg, cfg)
	if err != nil {
		logger.Error("cannot build plan", lg.String("config", *configPath), lg.Err(err))
		return exitUsage
	}
	if *writeConfig != "" {
		if err := config.Save(filestore.New(*writeConfig), cfg); err != nil {
			logger.Error("cannot write configuration", lg.String("path", *writeConfig), lg.Err(err))
			return exitFailed
		}
		logger.Debug("configuration written", lg.String("path", *writeConfig))
	}
	if *check {
		logger.Info("configuration is valid", lg.String("config", *configPath), lg.String("plan", task.Describe(p.Root)))
		return exitOK
	}

	logger.Info("running plan", lg.String("config", *configPath), lg.Bool("debug", logCfg.Debug))
	runErr := shutdown.Run(ctx, reg, shutdown.DefaultConfig(), p.Run)

	results, procErr := p.Results()
	if procErr != nil {
		logger.Warn("post-processing failed", lg.Err(procErr))
	}
	logger.Info("plan finished", lg.Any("exit_codes", plan.ExitCodes(results)))
	if *resultsPath != "" {
		if err := persistence.WriteJSON(results, *resultsPath); err != nil {
			logger.Error("cannot write results", lg.String("path", *resultsPath), lg.Err(err))
			runErr = errors.Join(runErr, err)
		}
	}

	switch {
	case errors.Is(runErr, shutdown.ErrInterrupted):
		logger.Warn("plan interrupted", lg.Err(runErr))
		return exitInterrupted
	case runErr != nil:
		logger.Error("plan failed", lg.Err(runErr))
		return exitFailed
	}
	return exitOK
}

func flagPassed(fs *flag.FlagSet, name string) bool {
	passed := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}
