package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openmined/syftsync/internal/utils"
)

const (
	logMaxSizeMB  = 10
	logMaxBackups = 5
)

var logLevel = new(slog.LevelVar)

func newConsoleHandler(f *os.File) slog.Handler {
	return tint.NewHandler(f, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(f.Fd()),
	})
}

// setupLogging fans the logs out to the console and to a rotating file at logFile.
func setupLogging(level slog.Level, logFile string) io.Closer {
	logLevel.Set(level)

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{
		Level: logLevel,
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(newConsoleHandler(os.Stdout), fileHandler)))
	return rotator
}
