package notification

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Template identifiers understood by the outbound mail collaborator.
const (
	TemplateResearcherInvitation = "researcher_invitation"
	TemplateTaskCompleted        = "task_completed"
	TemplateTaskExpiration       = "task_expiration"
)

// Party is a named recipient or sender.
type Party struct {
	Name  string
	Email string
}

// Message is one notification handed to the dispatch collaborator. The
// engine treats dispatch as fire-and-forget: a failed send is logged by
// the caller, not retried here.
type Message struct {
	Template  string
	Recipient Party
	ReplyTo   *Party
	Vars      map[string]any
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier is the default Notifier: it records the dispatch instead of
// delivering it. Production deployments swap in the mail collaborator.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier() Notifier {
	return &LogNotifier{log: zap.L()}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.log.Info("notification dispatched",
		zap.String("template", msg.Template),
		zap.String("recipient", msg.Recipient.Email),
		zap.Any("vars", msg.Vars),
	)
	return nil
}

var Module = fx.Module("notification.module",
	fx.Provide(
		NewLogNotifier,
	),
)
