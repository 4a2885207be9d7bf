package footprint

import "log"

// Logf is the package logger. Replace it with SetLogger.
var Logf = log.Printf

// SetLogger swaps the package logger. Passing nil mutes logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
