// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig describes where and how the binaries log.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	// File enables rotated file output. Empty means stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetupLogger builds the process logger, installs it as zap's global logger
// and routes the stdlib log package through it. Callers should defer Sync.
func SetupLogger(c LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "", "info":
		level.SetLevel(zap.InfoLevel)
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		return nil, errors.Errorf("unknown log level %q", c.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if c.File != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.MaxSizeMB, 10),
			MaxBackups: max(c.MaxBackups, 1),
			MaxAge:     max(c.MaxAgeDays, 7),
		})
	}

	logger := zap.New(zapcore.NewCore(encoder, ws, level), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	zap.ReplaceGlobals(logger)
	if _, err := zap.RedirectStdLogAt(logger, zap.InfoLevel); err != nil {
		return nil, errors.Wrap(err, "redirect stdlib log")
	}
	return logger, nil
}
