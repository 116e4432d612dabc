package logging

import (
    wwlogging "github.com/PelionIoT/wigwag-go-logger/logging"
)

// Log is the shared logger used by every servicedir package. Packages
// dot-import this package so call sites read Log.Infof(...).
var Log = wwlogging.Log

func SetLoggingLevel(ll string) {
    wwlogging.SetLoggingLevel(ll)
}

func LogLevelIsValid(ll string) bool {
    return wwlogging.LogLevelIsValid(ll)
}
