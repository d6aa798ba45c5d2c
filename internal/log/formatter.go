// Package log holds the logrus formatters used by exchange_sync.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// NewFormatter returns the human readable formatter. Fields are sorted so that lines of
// the same event line up.
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:    noColors,
		ForceColors:      !noColors,
		FullTimestamp:    true,
		TimestampFormat:  timestampFormat,
		QuoteEmptyFields: true,
		PadLevelText:     true,
	}
}

// NewJSONFormatter returns the formatter for log shippers
func NewJSONFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	}
}

// FormatterFor selects a formatter by name: text, color or json
func FormatterFor(format string) (logrus.Formatter, error) {
	switch format {
	case "", "text":
		return NewFormatter(true), nil
	case "color":
		return NewFormatter(false), nil
	case "json":
		return NewJSONFormatter(), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
