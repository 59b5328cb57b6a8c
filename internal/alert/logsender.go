package alert

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSender is the default Sender: it logs every alert instead of delivering
// it through a real chat-bot, which spec §1 places out of scope. It never
// errors, so it exercises the worker's happy path; a production deployment
// swaps in a real collaborator satisfying the same Sender interface.
type LogSender struct {
	recipients []string
}

func NewLogSender(recipients []string) *LogSender {
	return &LogSender{recipients: recipients}
}

func (s *LogSender) Send(ctx context.Context, chatID, text string) error {
	log.Info().Str("chat_id", chatID).Str("text", text).Msg("alert_sent")
	return nil
}

func (s *LogSender) ActiveRecipients() []string {
	return s.recipients
}

func (s *LogSender) RemoveRecipient(chatID string) {
	for i, r := range s.recipients {
		if r == chatID {
			s.recipients = append(s.recipients[:i], s.recipients[i+1:]...)
			return
		}
	}
}
