package monitor

import "log"

// AlertSink is pluggable alert delivery for operator-facing escalations:
// drawdown warnings from the Risk Evaluator and unrecoverable failures
// that quarantine a challenge.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink is the default AlertSink: it writes to the process log.
// Swap in a different sink (paging, chat webhook) without touching callers.
type LogAlertSink struct{}

func (LogAlertSink) Send(message string) error {
	log.Printf("[ALERT] %s", message)
	return nil
}
