// Package sms carries verification codes to phones. The production sender
// publishes through AWS SNS; development logs the message instead.
package sms

import (
	"context"
	"fmt"

	"twofa-service/internal/util"
)

// Sender delivers a text message to a phone number in E.164 form.
type Sender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// LogSender writes the message to the log. The code itself is not logged;
// handlers expose it through the dev-only debug field instead.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) SendSMS(_ context.Context, to, message string) error {
	util.Info("sms dispatch (log mode)",
		util.String("to", to),
		util.Int("message_length", len(message)))
	return nil
}

// CodeMessage formats the verification SMS body.
func CodeMessage(code string, minutes int) string {
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
}
