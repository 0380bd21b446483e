/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package manager contains the common behaviors of the manager subcommand
package manager

import (
	"flag"
	"fmt"
	"os"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Flags contains the set of values necessary for configuring the manager's
// logging, shared by every subcommand that starts a long-running process.
type Flags struct {
	zapOptions zap.Options
}

var (
	logLevel       string
	logDestination string
)

const (
	errorLevelString   = "error"
	warningLevelString = "warning"
	infoLevelString    = "info"
	debugLevelString   = "debug"
	traceLevelString   = "trace"
	defaultLevelString = infoLevelString
)

// AddFlags binds logging configuration flags to a given flagset.
func (l *Flags) AddFlags(flags *pflag.FlagSet) {
	loggingFlagSet := &flag.FlagSet{}
	loggingFlagSet.StringVar(&logLevel, "log-level", defaultLevelString,
		"the desired log level, one of error, warning, info, debug and trace")
	loggingFlagSet.StringVar(&logDestination, "log-destination", "",
		"where the log stream will be written")
	l.zapOptions.BindFlags(loggingFlagSet)
	flags.AddGoFlagSet(loggingFlagSet)
}

// ConfigureLogging configures the logging honoring the flags passed from
// the user, and installs it as the controller-runtime, klog and machinery
// package-level logger.
//
// The root *zap.Logger is built directly (rather than through
// controller-runtime's zap.New, which hides the same step behind its own
// zapr call) and handed to zapr.NewLogger ourselves, so the one logr.Logger
// this process ever constructs is explicit here instead of buried in a
// helper package.
func (l *Flags) ConfigureLogging() {
	zapLog := zap.NewRaw(zap.UseFlagOptions(&l.zapOptions), customLevel, customDestination)
	logger := newLogrLogger(zapLog)
	switch logLevel {
	case errorLevelString, warningLevelString, infoLevelString, debugLevelString, traceLevelString:
		break
	default:
		logger.Info("Invalid log level, defaulting", "level", logLevel, "default", defaultLevelString)
	}

	ctrl.SetLogger(logger)
	klog.SetLogger(logger)
	log.SetLogger(logger)
}

// newLogrLogger wraps a *zap.Logger as a logr.Logger via zapr, the same
// bridge controller-runtime, klog and machinery/pkg/log all speak.
func newLogrLogger(zapLog *uberzap.Logger) logr.Logger {
	return zapr.NewLogger(zapLog)
}

func getLogLevel(l string) zapcore.Level {
	switch l {
	case errorLevelString:
		return zapcore.ErrorLevel
	case warningLevelString:
		return zapcore.WarnLevel
	case infoLevelString:
		return zapcore.InfoLevel
	case debugLevelString:
		return zapcore.DebugLevel
	case traceLevelString:
		return zapcore.Level(-2)
	default:
		return zapcore.InfoLevel
	}
}

func customLevel(in *zap.Options) {
	in.Level = getLogLevel(logLevel)
}

func customDestination(in *zap.Options) {
	if logDestination == "" {
		return
	}

	logStream, err := os.OpenFile(logDestination, os.O_RDWR|os.O_CREATE, 0o666) //#nosec
	if err != nil {
		panic(fmt.Sprintf("Cannot open log destination %v: %v", logDestination, err))
	}

	in.DestWriter = logStream
}
