// Package minilog extends the standard log package to support multiple
// named loggers, each with its own severity level, the way the rest of
// this codebase expects: log.Init() installs a default stderr logger and
// the package-level Debug/Info/Warn/Error/Fatal functions fan a message
// out to every registered logger that is loud enough to want it.
package minilog

import (
	"errors"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"sync"
)

// LevelFlag is registered when this package is initialized; flag.Parse
// should run before Init reads it, matching the -level flag every binary
// in this tree exposes.
var LevelFlag = flag.String("level", "warn", "log level: debug, info, warn, error, fatal")

// ColorFlag toggles ANSI coloring on the default stderr logger.
var ColorFlag = flag.Bool("logcolor", false, "colorize log output")

var (
	mu      sync.Mutex
	loggers = map[string]*minilogger{}
)

// AddLogger registers a named logger writing to output at the given level.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	mu.Lock()
	defer mu.Unlock()

	loggers[name] = &minilogger{
		logger: golog.New(output, "", golog.LstdFlags),
		Level:  level,
		Color:  color,
	}
}

// DelLogger removes a previously registered logger.
func DelLogger(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(loggers, name)
}

// SetLevel updates the severity threshold for a registered logger.
func SetLevel(name string, level Level) error {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[name]
	if !ok {
		return errors.New("logger does not exist: " + name)
	}
	l.Level = level
	return nil
}

// GetLevel returns the severity threshold for a registered logger.
func GetLevel(name string) (Level, error) {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[name]
	if !ok {
		return -1, errors.New("logger does not exist: " + name)
	}
	return l.Level, nil
}

// Init installs the default "stderr" logger at the level named by
// -level, parsing -level and -logcolor if flag.Parse has already run.
// Call once from main after flag.Parse.
func Init() {
	level, err := LevelInt(*LevelFlag)
	if err != nil {
		level = WARN
	}
	AddLogger("stderr", os.Stderr, level, *ColorFlag)
}

func dispatch(f func(l *minilogger)) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		f(l)
	}
}

func emit(level Level, format string, arg ...interface{}) {
	dispatch(func(l *minilogger) {
		if level >= l.Level {
			l.log(level, "", format, arg...)
		}
	})
}

func emitln(level Level, arg ...interface{}) {
	dispatch(func(l *minilogger) {
		if level >= l.Level {
			l.logln(level, "", arg...)
		}
	})
}

func Debug(format string, arg ...interface{}) { emit(DEBUG, format, arg...) }
func Debugln(arg ...interface{})              { emitln(DEBUG, arg...) }

func Info(format string, arg ...interface{}) { emit(INFO, format, arg...) }
func Infoln(arg ...interface{})              { emitln(INFO, arg...) }

func Warn(format string, arg ...interface{}) { emit(WARN, format, arg...) }
func Warnln(arg ...interface{})              { emitln(WARN, arg...) }

func Error(format string, arg ...interface{}) { emit(ERROR, format, arg...) }
func Errorln(arg ...interface{})              { emitln(ERROR, arg...) }

func Fatal(format string, arg ...interface{}) {
	emit(FATAL, format, arg...)
	os.Exit(1)
}

func Fatalln(arg ...interface{}) {
	emitln(FATAL, arg...)
	os.Exit(1)
}

// Errorf is a convenience matching fmt.Errorf's shape while also logging
// at ERROR; used sparingly, only where the corpus does the same.
func Errorf(format string, arg ...interface{}) error {
	Error(format, arg...)
	return fmt.Errorf(format, arg...)
}
