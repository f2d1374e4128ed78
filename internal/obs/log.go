package obs

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "ts", logrus.FieldKeyMsg: "msg"},
		})
	})
	return logger
}

// SetLevel parses level and applies it to the shared logger. Unknown levels keep info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger().SetLevel(lvl)
}

// LogRequest emits one structured line for a finished HTTP request.
func LogRequest(fields logrus.Fields) {
	entry := Logger().WithFields(fields)
	status, _ := fields["status"].(int)
	switch {
	case status >= 500:
		entry.Error("request_complete")
	case status >= 400:
		entry.Warn("request_complete")
	default:
		entry.Info("request_complete")
	}
}
