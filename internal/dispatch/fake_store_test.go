package dispatch

import (
	"context"
	"sync"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[int64]Account
	teams    map[int64]Team
	techs    map[int64]Technician
	tasks    map[int64]Task
	nextTask int64

	// failUpdates makes the next UpdateTask report zero affected rows.
	failUpdates bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[int64]Account{},
		teams:    map[int64]Team{},
		techs:    map[int64]Technician{},
		tasks:    map[int64]Task{},
	}
}

func (f *fakeStore) addTechnician(id, accountID int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[accountID] = Account{ID: accountID, Username: name, Email: name + "@example.com"}
	f.techs[id] = Technician{ID: id, AccountID: accountID, Name: name, Status: TechnicianOffDuty}
}

func (f *fakeStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, NotFound("account", id)
	}
	return &a, nil
}

func (f *fakeStore) GetTeam(ctx context.Context, id int64) (*Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.teams[id]
	if !ok {
		return nil, NotFound("team", id)
	}
	return &t, nil
}

func (f *fakeStore) ListTeams(ctx context.Context) ([]Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Team
	for _, t := range f.teams {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) GetTechnician(ctx context.Context, id int64) (*Technician, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.techs[id]
	if !ok {
		return nil, NotFound("technician", id)
	}
	return &t, nil
}

func (f *fakeStore) ListTechnicians(ctx context.Context, flt TechnicianFilter) ([]Technician, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Technician
	for _, t := range f.techs {
		if flt.Status != "" && t.Status != flt.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) UpdateTechnician(ctx context.Context, u TechnicianUpdate) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.techs[u.ID]
	if !ok {
		return 0, nil
	}
	if u.Position != nil {
		p := *u.Position
		t.Position = &p
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	t.LastUpdated = u.UpdatedAt
	f.techs[u.ID] = t
	return 1, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, NotFound("task", id)
	}
	return &t, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, flt TaskFilter) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if flt.Status != "" && t.Status != flt.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t *Task) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTask++
	cp := *t
	cp.ID = f.nextTask
	f.tasks[cp.ID] = cp
	return cp.ID, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, u TaskUpdate) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates {
		f.failUpdates = false
		return 0, nil
	}
	t, ok := f.tasks[u.ID]
	if !ok || t.Status != u.From {
		return 0, nil
	}
	t.Status = u.To
	if u.TechnicianID != nil {
		t.TechnicianID = u.TechnicianID
	}
	if u.AssignedAccountID != nil {
		t.AssignedAccountID = u.AssignedAccountID
	}
	if u.ActualCompletionTime != nil {
		t.ActualCompletionTime = u.ActualCompletionTime
	}
	t.UpdatedAt = u.UpdatedAt
	f.tasks[u.ID] = t
	return 1, nil
}

type published struct {
	topic string
	msg   any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(topic string, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, msg: msg})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []AssignmentNotice
}

func (n *recordingNotifier) TaskAssigned(a AssignmentNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, a)
}
