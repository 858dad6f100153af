package actions

import (
	"context"
	"strconv"
	"time"

	"github.com/rendis/hireflow/pkg/schema"
)

const defaultInterviewMinutes = 45

func itoa(i int) string { return strconv.Itoa(i) }

// SendEmailExecutor emails the candidate, or the configured override address.
type SendEmailExecutor struct {
	sender EmailSender
}

func NewSendEmailExecutor(s EmailSender) *SendEmailExecutor {
	return &SendEmailExecutor{sender: s}
}

func (e *SendEmailExecutor) Type() schema.ActionType { return schema.ActionSendEmail }

func (e *SendEmailExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.SendEmailConfig](req)
	if err != nil {
		return nil, err
	}

	to := cfg.To
	if to == "" && req.Scope != nil {
		to, _ = req.Scope.Candidate["email"].(string)
	}
	if to == "" {
		return nil, schema.Permanent("SEND_EMAIL: candidate %q has no email address", req.CandidateID())
	}

	id, err := e.sender.SendEmail(ctx, Email{
		CandidateID: req.CandidateID(),
		To:          to,
		Subject:     cfg.Subject,
		Body:        cfg.Body,
		Template:    cfg.Template,
		Variables:   cfg.Variables,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: output(map[string]any{"messageId": id, "to": to})}, nil
}

// SendNotificationExecutor notifies recruiters in-app.
type SendNotificationExecutor struct {
	sender NotificationSender
}

func NewSendNotificationExecutor(s NotificationSender) *SendNotificationExecutor {
	return &SendNotificationExecutor{sender: s}
}

func (e *SendNotificationExecutor) Type() schema.ActionType { return schema.ActionSendNotification }

func (e *SendNotificationExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.SendNotificationConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		return nil, schema.Permanent("SEND_NOTIFICATION: message is empty")
	}
	if err := e.sender.Notify(ctx, Notification{
		CandidateID: req.CandidateID(),
		UserIDs:     cfg.UserIDs,
		Message:     cfg.Message,
	}); err != nil {
		return nil, err
	}
	return &Result{Output: output(map[string]any{"recipients": len(cfg.UserIDs)})}, nil
}

// AddNoteExecutor appends a note to the candidate's timeline.
type AddNoteExecutor struct {
	notes NoteWriter
}

func NewAddNoteExecutor(n NoteWriter) *AddNoteExecutor {
	return &AddNoteExecutor{notes: n}
}

func (e *AddNoteExecutor) Type() schema.ActionType { return schema.ActionAddNote }

func (e *AddNoteExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.AddNoteConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.Content == "" {
		return nil, schema.Permanent("ADD_NOTE: content is empty")
	}
	id, err := e.notes.AddNote(ctx, req.CandidateID(), cfg.Content)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output(map[string]any{"noteId": id})}, nil
}

// CreateTaskExecutor creates a recruiter follow-up task.
type CreateTaskExecutor struct {
	tasks TaskCreator
	now   func() time.Time
}

func NewCreateTaskExecutor(t TaskCreator, now func() time.Time) *CreateTaskExecutor {
	if now == nil {
		now = time.Now
	}
	return &CreateTaskExecutor{tasks: t, now: now}
}

func (e *CreateTaskExecutor) Type() schema.ActionType { return schema.ActionCreateTask }

func (e *CreateTaskExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.CreateTaskConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.Title == "" {
		return nil, schema.Permanent("CREATE_TASK: title is empty")
	}

	task := Task{
		CandidateID: req.CandidateID(),
		Title:       cfg.Title,
		Description: cfg.Description,
		AssigneeID:  cfg.AssigneeID,
	}
	if cfg.DueInDays > 0 {
		due := e.now().UTC().AddDate(0, 0, cfg.DueInDays)
		task.DueAt = &due
	}

	id, err := e.tasks.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"taskId": id}
	if task.DueAt != nil {
		out["dueAt"] = task.DueAt.Format(time.RFC3339)
	}
	return &Result{Output: output(out)}, nil
}

// ScheduleInterviewExecutor requests an interview slot. Calendar systems that
// confirm asynchronously return a pending booking; the confirmation arrives
// later as an async action result keyed by the booking ID.
type ScheduleInterviewExecutor struct {
	scheduler InterviewScheduler
	now       func() time.Time
}

func NewScheduleInterviewExecutor(s InterviewScheduler, now func() time.Time) *ScheduleInterviewExecutor {
	if now == nil {
		now = time.Now
	}
	return &ScheduleInterviewExecutor{scheduler: s, now: now}
}

func (e *ScheduleInterviewExecutor) Type() schema.ActionType { return schema.ActionScheduleInterview }

func (e *ScheduleInterviewExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	cfg, err := configAs[schema.ScheduleInterviewConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.Title == "" {
		return nil, schema.Permanent("SCHEDULE_INTERVIEW: title is empty")
	}
	minutes := cfg.DurationMinutes
	if minutes <= 0 {
		minutes = defaultInterviewMinutes
	}

	booking, err := e.scheduler.ScheduleInterview(ctx, InterviewRequest{
		CandidateID:     req.CandidateID(),
		Title:           cfg.Title,
		DurationMinutes: minutes,
		InterviewerIDs:  cfg.InterviewerIDs,
		NotBefore:       e.now().UTC().AddDate(0, 0, cfg.InDays),
	})
	if err != nil {
		return nil, err
	}
	if booking == nil || booking.ID == "" {
		return nil, schema.Permanent("SCHEDULE_INTERVIEW: scheduler returned no booking")
	}

	res := &Result{Output: output(booking)}
	if booking.Pending {
		res.Pending = true
		res.CorrelationKey = booking.ID
	}
	return res, nil
}
