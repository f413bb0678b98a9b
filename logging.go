// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"fmt"
	"io"
	"path"
	"runtime"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a [*logrus.Logger] writing text to out at the given level.
//
// The level uses the names accepted by [logrus.ParseLevel].
func NewLogger(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := &logrus.Logger{
		Out: out,
		Formatter: &logrus.TextFormatter{
			CallerPrettyfier: func(caller *runtime.Frame) (function string, file string) {
				_, filename := path.Split(caller.File)
				return "", fmt.Sprintf("%s:%d", filename, caller.Line)
			},
			TimestampFormat: "2006-01-02T15:04:05",
			FullTimestamp:   true,
		},
		Hooks:        make(logrus.LevelHooks),
		Level:        lvl,
		ReportCaller: lvl >= logrus.DebugLevel,
	}
	return logger, nil
}

// NewDiscardLogger returns a logger that drops every entry.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}
