package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Email is an outbound candidate email.
type Email struct {
	CandidateID string            `json:"candidateId"`
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body,omitempty"`
	Template    string            `json:"template,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Notification is an in-app message to recruiters.
type Notification struct {
	CandidateID string   `json:"candidateId"`
	UserIDs     []string `json:"userIds,omitempty"`
	Message     string   `json:"message"`
}

// Task is a follow-up item for a recruiter.
type Task struct {
	CandidateID string     `json:"candidateId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
}

// InterviewRequest asks the calendar system to book an interview.
type InterviewRequest struct {
	CandidateID     string    `json:"candidateId"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"durationMinutes"`
	InterviewerIDs  []string  `json:"interviewerIds,omitempty"`
	NotBefore       time.Time `json:"notBefore"`
}

// Booking is the calendar system's answer. A pending booking is confirmed
// later through the async result path, keyed by ID.
type Booking struct {
	ID      string     `json:"id"`
	Pending bool       `json:"pending"`
	StartAt *time.Time `json:"startAt,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, email Email) (messageID string, err error)
}

type NotificationSender interface {
	Notify(ctx context.Context, n Notification) error
}

// CandidateMutator changes candidate records owned by the host application.
type CandidateMutator interface {
	AddTag(ctx context.Context, candidateID, tag string) error
	RemoveTag(ctx context.Context, candidateID, tag string) error
	// ChangeStatus sets the pipeline status and returns the previous one.
	ChangeStatus(ctx context.Context, candidateID, status string) (previous string, err error)
	AssignUser(ctx context.Context, candidateID, userID string) error
}

// CandidateDirectory supplies recipient and template data for a candidate.
type CandidateDirectory interface {
	Profile(ctx context.Context, candidateID string) (map[string]any, error)
}

type TaskCreator interface {
	CreateTask(ctx context.Context, task Task) (taskID string, err error)
}

type NoteWriter interface {
	AddNote(ctx context.Context, candidateID, content string) (noteID string, err error)
}

type InterviewScheduler interface {
	ScheduleInterview(ctx context.Context, req InterviewRequest) (*Booking, error)
}

// Collaborators bundles the external systems the executors talk to.
type Collaborators struct {
	Email      EmailSender
	Notify     NotificationSender
	Candidates CandidateMutator
	Directory  CandidateDirectory
	Tasks      TaskCreator
	Notes      NoteWriter
	Interviews InterviewScheduler
}

// WithDefaults fills unset collaborators: candidate mutation and lookup go to
// an in-memory store, everything else to a log-only outbox.
func (c Collaborators) WithDefaults(logger *slog.Logger) Collaborators {
	if logger == nil {
		logger = slog.Default()
	}
	outbox := &LogOutbox{logger: logger}
	if c.Candidates == nil || c.Directory == nil {
		mem := NewMemoryCandidates()
		if c.Candidates == nil {
			c.Candidates = mem
		}
		if c.Directory == nil {
			c.Directory = mem
		}
	}
	if c.Email == nil {
		c.Email = outbox
	}
	if c.Notify == nil {
		c.Notify = outbox
	}
	if c.Tasks == nil {
		c.Tasks = outbox
	}
	if c.Notes == nil {
		c.Notes = outbox
	}
	if c.Interviews == nil {
		c.Interviews = outbox
	}
	return c
}

// LogOutbox records outbound messages in the log instead of delivering them.
// It is the default when no transport is configured.
type LogOutbox struct {
	logger *slog.Logger
}

func NewLogOutbox(logger *slog.Logger) *LogOutbox {
	return &LogOutbox{logger: logger}
}

func (o *LogOutbox) SendEmail(ctx context.Context, email Email) (string, error) {
	id := uuid.NewString()
	o.logger.InfoContext(ctx, "email queued",
		slog.String("message_id", id),
		slog.String("to", email.To),
		slog.String("subject", email.Subject),
		slog.String("template", email.Template),
	)
	return id, nil
}

func (o *LogOutbox) Notify(ctx context.Context, n Notification) error {
	o.logger.InfoContext(ctx, "notification queued",
		slog.Any("user_ids", n.UserIDs),
		slog.String("message", n.Message),
	)
	return nil
}

func (o *LogOutbox) CreateTask(ctx context.Context, task Task) (string, error) {
	id := uuid.NewString()
	o.logger.InfoContext(ctx, "task created",
		slog.String("task_id", id),
		slog.String("title", task.Title),
		slog.String("assignee_id", task.AssigneeID),
	)
	return id, nil
}

func (o *LogOutbox) AddNote(ctx context.Context, candidateID, content string) (string, error) {
	id := uuid.NewString()
	o.logger.InfoContext(ctx, "note added", slog.String("note_id", id), slog.Int("length", len(content)))
	return id, nil
}

func (o *LogOutbox) ScheduleInterview(ctx context.Context, req InterviewRequest) (*Booking, error) {
	id := uuid.NewString()
	o.logger.InfoContext(ctx, "interview requested",
		slog.String("booking_id", id),
		slog.String("title", req.Title),
		slog.Int("duration_minutes", req.DurationMinutes),
	)
	return &Booking{ID: id, Pending: true}, nil
}
