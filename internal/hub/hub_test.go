package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (s *recordingSender) Send(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(data))
	return nil
}

func (s *recordingSender) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type panickingSender struct{}

func (panickingSender) Send([]byte) error { panic("boom") }

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	first := &recordingSender{}
	require.NoError(t, r.Join("technicians", "c1", first))
	require.NoError(t, r.Join("technicians", "c1", &recordingSender{}))

	members := r.Members("technicians")
	require.Len(t, members, 1)
	assert.Same(t, first, members[0].Sender)
}

func TestRegistry_LeaveAndLeaveAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	require.NoError(t, r.Join("technicians", "c1", &recordingSender{}))
	require.NoError(t, r.Join("task_updates", "c1", &recordingSender{}))
	require.NoError(t, r.Join("technicians", "c2", &recordingSender{}))

	r.Leave("technicians", "unknown")
	r.Leave("nope", "c1")
	assert.Equal(t, 2, r.Count("technicians"))

	r.LeaveAll("c1")
	r.LeaveAll("c1")
	assert.Equal(t, 1, r.Count("technicians"))
	assert.Zero(t, r.Count("task_updates"))
	assert.Equal(t, "c2", r.Members("technicians")[0].ID)
}

func TestRegistry_MembersIsSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	require.NoError(t, r.Join("technicians", "c1", &recordingSender{}))
	members := r.Members("technicians")
	r.Leave("technicians", "c1")

	assert.Len(t, members, 1)
	assert.Empty(t, r.Members("technicians"))
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	require.NoError(t, r.Join("technicians", "c1", &recordingSender{}))
	r.Close()

	assert.Zero(t, r.Count("technicians"))
	assert.ErrorIs(t, r.Join("technicians", "c2", &recordingSender{}), ErrClosed)
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			topic := []string{"technicians", "task_updates"}[i%2]
			_ = r.Join(topic, id, &recordingSender{})
			if i%4 < 2 {
				r.LeaveAll(id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count("technicians")+r.Count("task_updates"))
}

func TestOutbox_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	o := NewOutbox(2, false)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, o.Send([]byte(m)))
	}

	<-o.Ready()
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, o.Drain())
	assert.Equal(t, uint64(1), o.Dropped())
	assert.Nil(t, o.Drain())
}

func TestOutbox_PrimeDeliversSnapshotFirst(t *testing.T) {
	t.Parallel()
	o := NewOutbox(8, true)

	require.NoError(t, o.Send([]byte("event")))
	assert.Nil(t, o.Drain(), "nothing is released while priming")

	o.Prime([][]byte{[]byte("snap1"), []byte("snap2")})

	<-o.Ready()
	assert.Equal(t, [][]byte{[]byte("snap1"), []byte("snap2"), []byte("event")}, o.Drain())
}

func TestOutbox_Close(t *testing.T) {
	t.Parallel()
	o := NewOutbox(4, false)

	o.Close()
	o.Close()

	<-o.Done()
	assert.ErrorIs(t, o.Send([]byte("x")), ErrClosed)
}

func TestDispatcher_PublishToAllMembers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := NewDispatcher(r)

	a, b, other := &recordingSender{}, &recordingSender{}, &recordingSender{}
	require.NoError(t, r.Join("technicians", "a", a))
	require.NoError(t, r.Join("technicians", "b", b))
	require.NoError(t, r.Join("task_updates", "other", other))

	require.NoError(t, d.Publish("technicians", map[string]any{"id": 1}))

	assert.Equal(t, []string{`{"id":1}`}, a.got())
	assert.Equal(t, []string{`{"id":1}`}, b.got())
	assert.Empty(t, other.got())
}

func TestDispatcher_IsolatesFailingSubscribers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := NewDispatcher(r)

	ok := &recordingSender{}
	require.NoError(t, r.Join("technicians", "gone", &recordingSender{err: errors.New("connection closed")}))
	require.NoError(t, r.Join("technicians", "panics", panickingSender{}))
	require.NoError(t, r.Join("technicians", "ok", ok))

	assert.Equal(t, 1, d.Deliver("technicians", []byte("x")))
	assert.Equal(t, []string{"x"}, ok.got())
}

func TestDispatcher_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(NewRegistry())

	assert.NoError(t, d.Publish("technicians", "hello"))
	assert.Error(t, d.Publish("technicians", func() {}))
}

type recordingForwarder struct {
	topics []string
}

func (f *recordingForwarder) Forward(topic string, _ []byte) {
	f.topics = append(f.topics, topic)
}

func TestDispatcher_Forwards(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(NewRegistry())
	fwd := &recordingForwarder{}
	d.SetForwarder(fwd)

	require.NoError(t, d.Publish("task_updates", 1))
	d.Deliver("task_updates", []byte("2"))

	assert.Equal(t, []string{"task_updates"}, fwd.topics, "Deliver stays local")
}

func TestDispatcher_PreservesPublishOrderPerTopic(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := NewDispatcher(r)

	subs := make([]*recordingSender, 5)
	for i := range subs {
		subs[i] = &recordingSender{}
		require.NoError(t, r.Join("technicians", fmt.Sprintf("c%d", i), subs[i]))
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Publish("technicians", i)
		}()
	}
	wg.Wait()

	want := subs[0].got()
	require.Len(t, want, 50)
	for _, s := range subs[1:] {
		assert.Equal(t, want, s.got(), "every subscriber sees the same order")
	}
}
