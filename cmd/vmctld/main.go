// Command vmctld starts and controls the virtualization control-plane
// daemon: a reconciler driving QEMU processes toward the state recorded in
// its SQLite-backed resource store, exposed over a Unix-socket RPC façade.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Context struct {
	AppBaseDir string
	LogFile    string
	LogLevel   string
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (leave empty for a random tmp/ path)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	Daemon  DaemonCmd  `cmd:"" help:"start, stop, restart, or query the status of the vmctld daemon"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information about this command"`

	Completion kongcompletion.Cmd `cmd:"" name:"completion" help:"print a shell completion script for this command"`
}

func (c *CLI) initSlog(cctx *kong.Context) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logFile := c.LogFile
	if logFile == "" {
		f, err := os.CreateTemp("", "vmctld-log")
		if err != nil {
			panic(err)
		}
		logFile = f.Name()
		f.Close()
	} else if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(err)
		}
	}

	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("slog initialized", "file", logFile)
}

const description = `Manage the vmctld virtualization control-plane daemon.`

func appHomeDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}
	appDir := filepath.Join(homeDir, ".infrasim")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating app directory: %w", err)
	}
	return appDir, nil
}

func main() {
	var cli CLI

	appBaseDir, err := appHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to get application home directory: %v\n", err)
		os.Exit(1)
	}

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, filepath.Join(appBaseDir, "config.yaml")),
		kong.Description(description))
	kongcompletion.Register(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog(ctx)

	if err := verifyPrerequisites(context.Background(), "qemu-binary"); err != nil {
		fmt.Fprintf(os.Stderr, "Prerequisites check failed: %v\n", err)
		os.Exit(1)
	}

	slog.Info("main", "appBaseDir", appBaseDir)

	err = ctx.Run(&Context{
		AppBaseDir: appBaseDir,
		LogFile:    cli.LogFile,
		LogLevel:   cli.LogLevel,
	})
	ctx.FatalIfErrorf(err)
}
