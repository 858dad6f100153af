package actions

import (
	"time"

	"github.com/rendis/hireflow/internal/secrets"
)

// BuiltinOptions wires the built-in executors.
type BuiltinOptions struct {
	Collaborators Collaborators
	Emitter       Emitter
	Webhook       WebhookOptions
	Signer        *secrets.Signer
	Now           func() time.Time
}

// RegisterBuiltins registers an executor for every action type.
// Collaborators must already have defaults applied.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	c := opts.Collaborators
	all := []Executor{
		NewSendEmailExecutor(c.Email),
		NewAddTagExecutor(c.Candidates),
		NewRemoveTagExecutor(c.Candidates),
		NewChangeStatusExecutor(c.Candidates, opts.Emitter),
		NewAssignUserExecutor(c.Candidates),
		NewCreateTaskExecutor(c.Tasks, opts.Now),
		NewSendNotificationExecutor(c.Notify),
		NewAddNoteExecutor(c.Notes),
		NewScheduleInterviewExecutor(c.Interviews, opts.Now),
		NewWebhookExecutor(opts.Webhook, opts.Signer),
	}
	for _, exec := range all {
		if err := reg.Register(exec); err != nil {
			return err
		}
	}
	return nil
}
