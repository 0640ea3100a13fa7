// Package safety implements the thin block_user / report_user delegation
// described in spec §12: the core does not own moderation state, it only
// records the signal for an out-of-band moderation pipeline to consume.
package safety

import "go.uber.org/zap"

// Logger records block and report signals. It never blocks the caller on
// an external system — moderation storage, if any, lives downstream of
// the log stream.
type Logger struct {
	log *zap.Logger
}

// New builds a safety logger. log may be nil, in which case events are
// discarded.
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log}
}

// BlockUser records that actor has blocked target.
func (l *Logger) BlockUser(actor, target string) {
	l.log.Info("block_user", zap.String("actor", actor), zap.String("target", target))
}

// ReportUser records that actor has reported target for reason.
func (l *Logger) ReportUser(actor, target, reason string) {
	l.log.Info("report_user", zap.String("actor", actor), zap.String("target", target), zap.String("reason", reason))
}
