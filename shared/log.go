package shared

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func PanicOnError(err error, msg string) {
	if err != nil {
		log.Panicf("%s: %s", err, msg)
	}
}

type UTCFormatter struct {
	log.Formatter
}

func (u UTCFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

// InitLog configures the process-wide logrus logger. LOG_LEVEL overrides the
// default debug level.
func InitLog() {
	log.SetFormatter(UTCFormatter{&log.TextFormatter{DisableColors: true, FullTimestamp: true}})
	level := log.DebugLevel
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			log.Warnf("unknown LOG_LEVEL %q, using %s", raw, level)
		}
	}
	log.SetLevel(level)
}
