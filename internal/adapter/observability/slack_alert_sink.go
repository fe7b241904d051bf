package observability

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// SlackAlertSink posts firing/resolved transitions to a channel via a bot
// token, optional alongside the always-on LogAlertSink (spec §4.4).
type SlackAlertSink struct {
	client  *slack.Client
	channel string
}

func NewSlackAlertSink(token, channel string) *SlackAlertSink {
	return &SlackAlertSink{client: slack.New(token), channel: channel}
}

func (s *SlackAlertSink) Notify(ctx domain.Context, a domain.AlertEvent) error {
	icon := ":warning:"
	if a.Severity == domain.SeverityCritical {
		icon = ":rotating_light:"
	}
	status := "RESOLVED"
	if a.Firing {
		status = "FIRING"
	}
	text := fmt.Sprintf("%s *%s* [%s] %s (value=%.3f threshold=%.3f)", icon, a.Rule, status, a.Message, a.Value, a.Threshold)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	return err
}

var _ domain.AlertSink = (*SlackAlertSink)(nil)
