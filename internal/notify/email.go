package notify

import (
	"context"
	"log"
	"strings"
)

// LogSender writes alert emails to the process log instead of a real
// transport. Deployments plug an SMTP or provider-backed sender into the
// same port; dev and single-node installs run on this one.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: log.New(log.Writer(), "[EMAIL] ", log.LstdFlags)}
}

func (s *LogSender) Send(ctx context.Context, to []string, subject, body string) error {
	s.logger.Printf("📧 To: %s | Subject: %s", strings.Join(to, ", "), subject)
	return nil
}
