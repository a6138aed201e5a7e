package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ScheduleLayout is the accepted form of scheduled_date + " " + scheduled_time.
const ScheduleLayout = "2006-01-02 15:04"

// AssignmentNotice describes a freshly assigned task for the technician.
type AssignmentNotice struct {
	TaskID         int64
	TaskTitle      string
	Address        string
	TechnicianName string
	Username       string
	Email          string
	ScheduledTime  time.Time
}

// Notifier delivers assignment notices. Implementations must return
// quickly; delivery happens out of band and its failure never affects
// the assignment.
type Notifier interface {
	TaskAssigned(n AssignmentNotice)
}

// TechnicianPatch carries the fields of a technician update. At least one
// field must be set.
type TechnicianPatch struct {
	Position *Position
	Status   *TechnicianStatus
}

// AddTaskInput is the raw input of the add_task command.
type AddTaskInput struct {
	Title         string
	Address       string
	RecipientName string
	Priority      string
	Status        string
	TaskType      string
	Description   string
	TeamID        *int64
	Latitude      *float64
	Longitude     *float64
	ScheduledDate string
	ScheduledTime string
}

// Engine is the sole writer of task and technician state. Every
// successful operation commits to the store first, then publishes exactly
// one message describing the new state.
type Engine struct {
	store        Store
	pub          Publisher
	notifier     Notifier
	locks        *keyedMutex
	writeTimeout time.Duration
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the assignment notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithWriteTimeout bounds each operation once it has started.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine writing to store and publishing to pub.
func NewEngine(store Store, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		pub:          pub,
		locks:        newKeyedMutex(),
		writeTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// begin detaches the operation from caller cancellation so that a write,
// once started, either commits or fails on its own deadline.
func (e *Engine) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &Error{Kind: KindUnavailable, Op: op, Msg: "request abandoned", Err: err}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
	return wctx, cancel, nil
}

// AssignTask assigns an unassigned task to a technician.
func (e *Engine) AssignTask(ctx context.Context, taskID, technicianID int64) (*Task, error) {
	const op = "assign task"
	ctx, cancel, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	tech, err := e.store.GetTechnician(ctx, technicianID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if t.Status != TaskUnassigned {
		return nil, newError(KindInvalidTransition, op, "task %d cannot be assigned (current status: %s)", t.ID, t.Status)
	}
	acct, err := e.store.GetAccount(ctx, tech.AccountID)
	if err != nil {
		return nil, storeErr(op, err)
	}

	now := e.now()
	n, err := e.store.UpdateTask(ctx, TaskUpdate{
		ID:                t.ID,
		From:              TaskUnassigned,
		To:                TaskAssigned,
		TechnicianID:      &tech.ID,
		AssignedAccountID: &tech.AccountID,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	if n == 0 {
		return nil, e.lostUpdate(ctx, op, t.ID, TaskUnassigned)
	}

	t.Status = TaskAssigned
	t.TechnicianID = &tech.ID
	t.AssignedAccountID = &tech.AccountID
	t.UpdatedAt = now

	slog.Info("task assigned",
		"task_id", t.ID,
		"technician_id", tech.ID)

	e.publish(TopicTaskUpdates, NewTaskUpdateMessage(t, acct.Username, ActionUpdate))

	if e.notifier != nil {
		e.notifier.TaskAssigned(AssignmentNotice{
			TaskID:         t.ID,
			TaskTitle:      t.Title,
			Address:        t.Address,
			TechnicianName: tech.Name,
			Username:       acct.Username,
			Email:          acct.Email,
			ScheduledTime:  t.ScheduledTime,
		})
	}

	return t, nil
}

// StartTask moves an assigned task in transit. Only the assigned
// technician's account may start it.
func (e *Engine) StartTask(ctx context.Context, taskID, actor int64) (*Task, error) {
	const op = "start task"
	return e.advance(ctx, op, taskID, actor, TaskAssigned, TaskInTransit)
}

// CompleteTask finishes an in-transit task with result "succeeded" or
// "failed". Only the assigned technician's account may complete it.
func (e *Engine) CompleteTask(ctx context.Context, taskID, actor int64, result string) (*Task, error) {
	const op = "complete task"
	to := TaskStatus(result)
	if to != TaskSucceeded && to != TaskFailed {
		return nil, newError(KindInvalidArgument, op, "invalid result value %q, must be 'succeeded' or 'failed'", result)
	}
	return e.advance(ctx, op, taskID, actor, TaskInTransit, to)
}

func (e *Engine) advance(ctx context.Context, op string, taskID, actor int64, from, to TaskStatus) (*Task, error) {
	ctx, cancel, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	unlock := e.locks.Lock(taskKey(taskID))
	defer unlock()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if t.TechnicianID == nil && t.Status == from {
		return nil, newError(KindForbidden, op, "task %d has no assigned technician", t.ID)
	}
	if t.TechnicianID != nil {
		if err := e.checkActor(ctx, op, t, actor); err != nil {
			return nil, err
		}
	}
	if t.Status != from {
		return nil, newError(KindInvalidTransition, op, "task %d cannot move to %s (current status: %s)", t.ID, to, t.Status)
	}

	now := e.now()
	u := TaskUpdate{ID: t.ID, From: from, To: to, UpdatedAt: now}
	if to.IsTerminal() {
		u.ActualCompletionTime = &now
	}
	n, err := e.store.UpdateTask(ctx, u)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if n == 0 {
		return nil, e.lostUpdate(ctx, op, t.ID, from)
	}

	t.Status = to
	t.UpdatedAt = now
	if u.ActualCompletionTime != nil {
		t.ActualCompletionTime = u.ActualCompletionTime
	}

	slog.Info("task status changed",
		"task_id", t.ID,
		"from", string(from),
		"to", string(to),
		"actor", actor)

	e.publish(TopicTaskUpdates, NewTaskUpdateMessage(t, e.username(ctx, t.AssignedAccountID), ActionUpdate))
	return t, nil
}

// checkActor verifies that actor is the account linked to the task's
// technician. A dangling technician reference counts as a mismatch.
func (e *Engine) checkActor(ctx context.Context, op string, t *Task, actor int64) error {
	tech, err := e.store.GetTechnician(ctx, *t.TechnicianID)
	if errors.Is(err, ErrNotFound) {
		return newError(KindForbidden, op, "you are not assigned to this task")
	}
	if err != nil {
		return storeErr(op, err)
	}
	if tech.AccountID != actor {
		return newError(KindForbidden, op, "you are not assigned to this task")
	}
	return nil
}

// lostUpdate explains a conditional update that matched no row.
func (e *Engine) lostUpdate(ctx context.Context, op string, taskID int64, expected TaskStatus) error {
	cur, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return storeErr(op, err)
	}
	if cur.Status != expected {
		return newError(KindInvalidTransition, op, "task %d changed concurrently (current status: %s)", taskID, cur.Status)
	}
	return newError(KindConflict, op, "task %d update lost to a concurrent write", taskID)
}

// UpdateTechnician writes the technician's position and/or status. Any
// status is reachable from any status.
func (e *Engine) UpdateTechnician(ctx context.Context, technicianID int64, patch TechnicianPatch) (*Technician, error) {
	const op = "update technician"
	if patch.Position == nil && patch.Status == nil {
		return nil, newError(KindInvalidArgument, op, "nothing to update")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, newError(KindInvalidArgument, op, "invalid technician status %q", *patch.Status)
	}

	ctx, cancel, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	unlock := e.locks.Lock(technicianKey(technicianID))
	defer unlock()

	now := e.now()
	n, err := e.store.UpdateTechnician(ctx, TechnicianUpdate{
		ID:        technicianID,
		Position:  patch.Position,
		Status:    patch.Status,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	if n == 0 {
		return nil, &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("technician %d not found", technicianID)}
	}

	tech, err := e.store.GetTechnician(ctx, technicianID)
	if err != nil {
		return nil, storeErr(op, err)
	}

	slog.Debug("technician updated",
		"technician_id", tech.ID,
		"status", string(tech.Status))

	e.publish(TopicTechnicians, NewTechnicianMessage(tech, now))
	return tech, nil
}

// AddTask validates in and creates a new task.
func (e *Engine) AddTask(ctx context.Context, in AddTaskInput) (*Task, error) {
	const op = "add task"
	t, err := e.buildTask(in)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Op = op
		}
		return nil, err
	}

	ctx, cancel, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	id, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return nil, storeErr(op, err)
	}
	t.ID = id

	slog.Info("task created",
		"task_id", t.ID,
		"priority", string(t.Priority),
		"status", string(t.Status))

	e.publish(TopicTaskUpdates, NewTaskUpdateMessage(t, "", ActionCreate))
	return t, nil
}

func (e *Engine) buildTask(in AddTaskInput) (*Task, error) {
	now := e.now()
	t := &Task{
		Title:         strings.TrimSpace(in.Title),
		Address:       in.Address,
		RecipientName: in.RecipientName,
		TeamID:        in.TeamID,
		Status:        TaskUnassigned,
		Priority:      PriorityBlue,
		Type:          TaskDelivery,
		Description:   in.Description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Title == "" {
		t.Title = "New Task"
	}
	if in.Priority != "" {
		t.Priority = Priority(in.Priority)
		if !t.Priority.Valid() {
			return nil, InvalidArgument("invalid priority %q", in.Priority)
		}
	}
	// Tasks enter the lifecycle unassigned; only assign_task moves them on.
	if in.Status != "" && TaskStatus(in.Status) != TaskUnassigned {
		return nil, InvalidArgument("invalid initial status %q, new tasks start %s", in.Status, TaskUnassigned)
	}
	if in.TaskType != "" {
		t.Type = TaskType(in.TaskType)
		if !t.Type.Valid() {
			return nil, InvalidArgument("invalid task type %q", in.TaskType)
		}
	}

	var lat, lon float64
	if in.Latitude != nil {
		lat = *in.Latitude
	}
	if in.Longitude != nil {
		lon = *in.Longitude
	}
	pos, err := NewPosition(lat, lon)
	if err != nil {
		return nil, InvalidArgument("%s", err)
	}
	t.Position = &pos

	if in.ScheduledDate != "" && in.ScheduledTime != "" {
		st, err := time.ParseInLocation(ScheduleLayout, in.ScheduledDate+" "+in.ScheduledTime, time.UTC)
		if err != nil {
			return nil, InvalidArgument("invalid date or time format")
		}
		t.ScheduledTime = st
	} else {
		t.ScheduledTime = now
	}
	return t, nil
}

// publish hands msg to the publisher. The state change is already
// committed, so a failure here is logged and swallowed.
func (e *Engine) publish(topic string, msg any) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(topic, msg); err != nil {
		slog.Warn("publish failed",
			"topic", topic,
			"error", err)
	}
}

func (e *Engine) username(ctx context.Context, accountID *int64) string {
	if accountID == nil {
		return ""
	}
	acct, err := e.store.GetAccount(ctx, *accountID)
	if err != nil {
		slog.Debug("account lookup failed", "account_id", *accountID, "error", err)
		return ""
	}
	return acct.Username
}

// storeErr passes typed errors through and classifies everything else as
// an unavailable store.
func storeErr(op string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return &Error{Kind: de.Kind, Op: op, Msg: de.Msg, Err: de.Err}
	}
	return Unavailable(op, err)
}

func taskKey(id int64) string       { return fmt.Sprintf("task:%d", id) }
func technicianKey(id int64) string { return fmt.Sprintf("technician:%d", id) }
