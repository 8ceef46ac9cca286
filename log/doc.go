// Package log provides a simple, leveled logging interface for the
// checkpoint store and its backend adapters.
//
// The store is a library, so it never configures logging on its own: the
// codec routes forward-compat warnings and the network adapters route retry
// notices through the package-level logger, and the hosting application
// decides where that output goes.
//
// # Log Levels
//
// Five levels, in order of increasing severity:
//
//   - LogLevelDebug: Detailed debugging information for development
//   - LogLevelInfo: General informational messages about normal operation
//   - LogLevelWarn: Warning messages for potentially problematic situations
//   - LogLevelError: Error messages for failures that need attention
//   - LogLevelNone: Disables all logging output
//
// # Example Usage
//
// Basic logging:
//
//	logger := log.NewDefaultLogger(log.LogLevelInfo)
//	logger.Info("resuming thread %s", threadID)
//	logger.Warn("dropping unknown channel type %q", typeTag)
//
// Custom output:
//
//	file, err := os.OpenFile("store.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer file.Close()
//
//	logger := log.NewCustomLogger(file, log.LogLevelDebug)
//
// Global configuration:
//
//	// Route everything the store logs through one logger.
//	log.SetDefaultLogger(log.NewDefaultLogger(log.LogLevelWarn))
//
// # golog Integration
//
// For users who prefer the `github.com/kataras/golog` library, a minimal
// wrapper is provided:
//
//	glogger := golog.New()
//	glogger.SetPrefix("[myapp] ")
//
//	logger := log.NewGologLogger(glogger)
//	log.SetDefaultLogger(logger)
//
// # Custom Loggers
//
// Any type implementing the Logger interface can be plugged in:
//
//	type Logger interface {
//		Debug(format string, v ...any)
//		Info(format string, v ...any)
//		Warn(format string, v ...any)
//		Error(format string, v ...any)
//	}
package log
