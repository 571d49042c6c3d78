package relayclient

import (
	"time"

	"github.com/rs/zerolog"
)

type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityFailure
)

// Report is a user-visible status message, shown like a toast for Duration.
type Report struct {
	Severity Severity
	Message  string
	Duration time.Duration
}

func Success(msg string, d time.Duration) Report {
	return Report{Severity: SeveritySuccess, Message: msg, Duration: d}
}

func Failure(msg string, d time.Duration) Report {
	return Report{Severity: SeverityFailure, Message: msg, Duration: d}
}

// Reporter surfaces connection and action problems to the user.
type Reporter interface {
	Report(r Report)
}

// LogReporter writes reports to the log. Log is read on every report so a
// logger installed after construction is honoured.
type LogReporter struct {
	Log *zerolog.Logger
}

func (l LogReporter) Report(r Report) {
	if l.Log == nil {
		return
	}
	ev := l.Log.Info()
	if r.Severity == SeverityFailure {
		ev = l.Log.Warn()
	}
	ev.Dur("duration", r.Duration).Msg("[BetterNotifications] " + r.Message)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Report)

func (f ReporterFunc) Report(r Report) { f(r) }
