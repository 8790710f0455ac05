package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zachbroad/hookrelay/internal/delivery"
	"github.com/zachbroad/hookrelay/internal/model"
	"github.com/zachbroad/hookrelay/internal/store"
)

// memStore is an in-memory EventStore, DestinationResolver and Ledger.
type memStore struct {
	mu           sync.Mutex
	nextID       int64
	events       map[string]*model.Event
	destinations []model.Destination
	deliveries   []model.Delivery
	statusLog    []model.EventStatus
	failGet      error
}

func newMemStore() *memStore {
	return &memStore{events: map[string]*model.Event{}}
}

func (m *memStore) addEvent(uid string, projectID uuid.UUID) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev := &model.Event{
		ID:         m.nextID,
		UID:        uid,
		ProjectID:  projectID,
		Payload:    json.RawMessage(`{"order":42}`),
		Status:     model.EventReceived,
		ReceivedAt: time.Now(),
	}
	m.events[uid] = ev
	return ev
}

func (m *memStore) addDestination(projectID uuid.UUID, name, policy string) model.Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := model.Destination{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		URL:       "http://" + name + ".invalid",
		Status:    model.DestinationActive,
	}
	if policy != "" {
		d.RetryPolicy = json.RawMessage(policy)
	}
	m.destinations = append(m.destinations, d)
	return d
}

func (m *memStore) disable(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.destinations {
		if m.destinations[i].ID == id {
			m.destinations[i].Status = model.DestinationDisabled
		}
	}
}

func (m *memStore) event(uid string) model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.events[uid]
}

func (m *memStore) rows(destID uuid.UUID) []model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Delivery
	for _, d := range m.deliveries {
		if d.DestinationID == destID {
			out = append(out, d)
		}
	}
	return out
}

func (m *memStore) GetByUID(ctx context.Context, uid string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	ev, ok := m.events[uid]
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", uid, store.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id int64, status model.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.Status = status
			m.statusLog = append(m.statusLog, status)
		}
	}
	return nil
}

func (m *memStore) RollUpStatus(ctx context.Context, id int64) (model.EventStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := map[uuid.UUID]bool{}
	for _, d := range m.destinations {
		active[d.ID] = d.Status == model.DestinationActive
	}

	latest := map[uuid.UUID]model.Delivery{}
	for _, d := range m.deliveries {
		if d.EventID != id || !d.Final || !active[d.DestinationID] {
			continue
		}
		if cur, ok := latest[d.DestinationID]; !ok || !d.CreatedAt.Before(cur.CreatedAt) {
			latest[d.DestinationID] = d
		}
	}
	rows := make([]model.Delivery, 0, len(latest))
	for _, d := range latest {
		rows = append(rows, d)
	}

	for _, ev := range m.events {
		if ev.ID == id {
			ev.Status = model.RollUp(ev.Status, rows)
			m.statusLog = append(m.statusLog, ev.Status)
			return ev.Status, nil
		}
	}
	return "", store.ErrNotFound
}

func (m *memStore) IncrementRetryCount(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			ev.RetryCount++
		}
	}
	return nil
}

func (m *memStore) MarkDispatched(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, ev := range m.events {
		if ev.ID == id && ev.DispatchedAt == nil {
			ev.DispatchedAt = &now
		}
	}
	return nil
}

func (m *memStore) ListUndispatched(ctx context.Context, receivedBefore time.Time, limit int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, ev := range m.events {
		if ev.DispatchedAt == nil && ev.Status == model.EventReceived && ev.ReceivedAt.Before(receivedBefore) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListActive(ctx context.Context, projectID uuid.UUID, filter *uuid.UUID) ([]model.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Destination
	for _, d := range m.destinations {
		if d.ProjectID != projectID || d.Status != model.DestinationActive {
			continue
		}
		if filter != nil && d.ID != *filter {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) CreateAttempt(ctx context.Context, eventID int64, destinationID uuid.UUID, attemptNumber int) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := model.Delivery{
		ID:            uuid.New(),
		EventID:       eventID,
		DestinationID: destinationID,
		AttemptNumber: attemptNumber,
		// Strictly increasing so roll-up ordering is deterministic.
		CreatedAt: time.Unix(0, int64(len(m.deliveries)+1)),
	}
	m.deliveries = append(m.deliveries, d)
	return &d, nil
}

func (m *memStore) RecordOutcome(ctx context.Context, id uuid.UUID, responseStatus *int, responseBody, errorMessage *string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deliveries {
		d := &m.deliveries[i]
		if d.ID != id {
			continue
		}
		if d.Final {
			return store.ErrAlreadyFinal
		}
		d.ResponseStatus = responseStatus
		d.ResponseBody = responseBody
		d.ErrorMessage = errorMessage
		ms := duration.Milliseconds()
		d.DurationMs = &ms
		d.Final = true
		return nil
	}
	return store.ErrNotFound
}

// fakeExecutor answers per destination; destinations without a rule succeed.
type fakeExecutor struct {
	mu    sync.Mutex
	fail  map[uuid.UUID]bool
	calls map[uuid.UUID][]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: map[uuid.UUID]bool{}, calls: map[uuid.UUID][]int{}}
}

func (f *fakeExecutor) setFailing(id uuid.UUID, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = failing
}

func (f *fakeExecutor) attempts(id uuid.UUID) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls[id]...)
}

func (f *fakeExecutor) Attempt(ctx context.Context, dest *model.Destination, event *model.Event, attempt int) delivery.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[dest.ID] = append(f.calls[dest.ID], attempt)
	if f.fail[dest.ID] {
		return delivery.Outcome{Duration: time.Millisecond, Err: errors.New("dial tcp: connection refused")}
	}
	code, body := 200, "ok"
	return delivery.Outcome{Delivered: true, StatusCode: &code, Body: &body, Duration: time.Millisecond}
}

type queued struct {
	job   Job
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	job, err := parseJob(payload)
	if err != nil {
		return err
	}
	q.jobs = append(q.jobs, queued{job: job, delay: delay})
	return nil
}

func (q *fakeQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queued{}, false
	}
	next := q.jobs[0]
	q.jobs = q.jobs[1:]
	return next, true
}

// drain handles queued jobs until none are left, ignoring their delays, and
// returns every job it ran.
func drain(t *testing.T, d *Dispatcher, q *fakeQueue) []queued {
	t.Helper()
	var ran []queued
	for i := 0; i < 1000; i++ {
		next, ok := q.pop()
		if !ok {
			return ran
		}
		ran = append(ran, next)
		if err := d.Handle(context.Background(), next.job); err != nil {
			t.Fatalf("handle %+v: %v", next.job, err)
		}
	}
	t.Fatal("queue did not drain")
	return nil
}
