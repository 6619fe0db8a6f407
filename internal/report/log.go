package report

import (
	"time"

	"go.uber.org/zap"
)

// LogReporter writes progress to zap.
type LogReporter struct {
	log *zap.Logger
}

var _ Reporter = (*LogReporter)(nil)

// NewLogReporter logs through l, or the global logger when l is nil.
func NewLogReporter(l *zap.Logger) *LogReporter {
	if l == nil {
		l = zap.L()
	}
	return &LogReporter{log: l.With(zap.String("component", "report"))}
}

// ReportProgress implements Reporter.
func (l *LogReporter) ReportProgress(s Snapshot) {
	l.log.Info("progress",
		zap.String("file", s.CurrentFile),
		zap.Int("file_no", s.FileNo),
		zap.Int("files", s.FilesCount),
		zap.Int("chem_no", s.ChemNo),
		zap.Int("chems", s.ChemsCount),
		zap.Int("cas_no", s.CASNo),
		zap.Int("cas", s.CASCount),
		zap.String("compound", s.CurrentIdentifier),
		zap.Float64("fraction", s.Fraction()),
	)
}

// ReportFinal implements Reporter.
func (l *LogReporter) ReportFinal(elapsed time.Duration) {
	l.log.Info("run complete", zap.Duration("elapsed", elapsed.Round(time.Millisecond)))
}

// ReportError implements Reporter.
func (l *LogReporter) ReportError(msg string) {
	l.log.Error("run error", zap.String("error", msg))
}
