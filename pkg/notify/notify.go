// Package notify pushes run lifecycle notifications to the configured
// channel.
package notify

import (
	"context"
	"fmt"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

// Notifier delivers a recorded notification to its channel.
type Notifier interface {
	Channel() string
	Send(ctx context.Context, n *store.Notification) error
}

// New builds the Notifier for the configured channel. Without one,
// notifications land in the log.
func New(log logrus.FieldLogger, cfg *config.NotifyConfig) Notifier {
	if cfg != nil && cfg.Slack != nil {
		return &slackNotifier{
			log: log.WithField("component", "notify"),
			cfg: cfg.Slack,
		}
	}

	return &logNotifier{
		log: log.WithField("component", "notify"),
	}
}

type slackNotifier struct {
	log logrus.FieldLogger
	cfg *config.SlackNotifyConfig
}

// Compile-time interface check.
var _ Notifier = (*slackNotifier)(nil)

func (s *slackNotifier) Channel() string {
	return "slack"
}

func (s *slackNotifier) Send(ctx context.Context, n *store.Notification) error {
	msg := &slack.WebhookMessage{
		Username: s.cfg.Username,
		Channel:  s.cfg.Channel,
		Attachments: []slack.Attachment{
			{
				Color: messageColor(n.MessageType),
				Title: messageTitle(n.MessageType),
				Text:  n.Body,
			},
		},
	}

	if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run":  n.RunID,
		"type": n.MessageType,
	}).Debug("Sent slack notification")

	return nil
}

// messageColor maps a notification type to a Slack attachment color.
func messageColor(messageType string) string {
	switch messageType {
	case store.NotifyRunDone:
		return "good"
	case store.NotifyRunFailed:
		return "danger"
	case store.NotifyRunBlocked:
		return "warning"
	default:
		return ""
	}
}

// messageTitle maps a notification type to a human readable title.
func messageTitle(messageType string) string {
	switch messageType {
	case store.NotifyRunDone:
		return "Run completed"
	case store.NotifyRunFailed:
		return "Run failed"
	case store.NotifyRunBlocked:
		return "Run blocked"
	default:
		return messageType
	}
}

// logNotifier surfaces notifications in the log when no push channel is
// configured.
type logNotifier struct {
	log logrus.FieldLogger
}

var _ Notifier = (*logNotifier)(nil)

func (l *logNotifier) Channel() string {
	return "log"
}

func (l *logNotifier) Send(_ context.Context, n *store.Notification) error {
	l.log.WithFields(logrus.Fields{
		"run":  n.RunID,
		"type": n.MessageType,
	}).Info(n.Body)

	return nil
}
