package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/ticketing"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu            sync.Mutex
	workflows     map[uuid.UUID]Workflow
	executions    map[uuid.UUID]Execution
	notifications []NotificationRecord
	reports       []ReportRequest
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[uuid.UUID]Workflow),
		executions: make(map[uuid.UUID]Execution),
	}
}

func (m *memStore) SaveWorkflow(_ context.Context, wf Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id uuid.UUID) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, nil
	}
	return &wf, nil
}

func (m *memStore) ListWorkflows(_ context.Context) ([]Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *memStore) CreateExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Log = stored.Log
	m.executions[exec.ID] = exec
	return nil
}

func (m *memStore) AppendLog(_ context.Context, executionID uuid.UUID, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Log = append(exec.Log, entry)
	m.executions[executionID] = exec
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id uuid.UUID) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &exec, nil
}

func (m *memStore) SaveNotification(_ context.Context, rec NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, rec)
	return nil
}

func (m *memStore) CreateReportRequest(_ context.Context, req ReportRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, req)
	return nil
}

// flakyTicketing fails the first failUntil CreateTicket calls.
type flakyTicketing struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	created   []ticketing.Ticket
}

func (f *flakyTicketing) CreateTicket(_ context.Context, t ticketing.Ticket) (*ticketing.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, errors.New("ticketing backend unavailable")
	}
	f.created = append(f.created, t)
	return &ticketing.CreateResult{Success: true, TicketID: "T-1", URL: "https://tickets/T-1"}, nil
}

func (f *flakyTicketing) UpdateTicketStatus(_ context.Context, _, _, _ string) (*ticketing.UpdateResult, error) {
	return &ticketing.UpdateResult{Success: true}, nil
}

func (f *flakyTicketing) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(store Store, collab Collaborators) *Engine {
	e := NewEngine(store, collab, nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func baseWorkflow(actions ...Action) Workflow {
	now := time.Now().UTC()
	return Workflow{
		ID:        uuid.New(),
		Name:      "test workflow",
		Enabled:   true,
		Trigger:   TriggerJobComplete,
		Actions:   actions,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestExecuteWorkflowRetryBound(t *testing.T) {
	store := newMemStore()
	tickets := &flakyTicketing{failUntil: 100}
	engine := newTestEngine(store, Collaborators{Ticketing: tickets})

	wf := baseWorkflow(Action{
		ID:     "a",
		Kind:   ActionCreateTicket,
		Config: map[string]any{"title": "x"},
		Retry:  &RetryPolicy{MaxRetries: 2, RetryDelay: time.Second},
	})
	if err := store.SaveWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	if got := tickets.callCount(); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", got)
	}
	if exec.Status != ExecutionFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if len(exec.Log) != 1 {
		t.Fatalf("log entries = %d, want 1", len(exec.Log))
	}
	if exec.Log[0].Status != LogFailed {
		t.Errorf("entry status = %s, want failed", exec.Log[0].Status)
	}
	if exec.Log[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", exec.Log[0].RetryCount)
	}
}

func TestExecuteWorkflowRetrySucceedsMidway(t *testing.T) {
	store := newMemStore()
	tickets := &flakyTicketing{failUntil: 2}
	engine := newTestEngine(store, Collaborators{Ticketing: tickets})

	wf := baseWorkflow(Action{
		ID:     "a",
		Kind:   ActionCreateTicket,
		Config: map[string]any{"title": "x"},
		Retry:  &RetryPolicy{MaxRetries: 3},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	if exec.Status != ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if got := tickets.callCount(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if exec.Log[0].Status != LogSuccess {
		t.Errorf("entry status = %s, want success", exec.Log[0].Status)
	}
	if exec.Log[0].Result["ticket_id"] != "T-1" {
		t.Errorf("result = %v", exec.Log[0].Result)
	}
}

func TestExecuteWorkflowContinueOnError(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{Ticketing: &flakyTicketing{failUntil: 100}})

	wf := baseWorkflow(
		Action{
			ID:              "a",
			Kind:            ActionCreateTicket,
			Config:          map[string]any{"title": "x"},
			Order:           1,
			ContinueOnError: true,
		},
		Action{
			ID:     "b",
			Kind:   ActionSendNotification,
			Config: map[string]any{"subject": "still running"},
			Order:  2,
		},
	)
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	if exec.Status != ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if len(exec.Log) != 2 {
		t.Fatalf("log entries = %d, want 2", len(exec.Log))
	}
	if exec.Log[0].Status != LogFailed || exec.Log[1].Status != LogSuccess {
		t.Errorf("log statuses = %s, %s", exec.Log[0].Status, exec.Log[1].Status)
	}
}

func TestExecuteWorkflowAbortsOnError(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{Ticketing: &flakyTicketing{failUntil: 100}})

	wf := baseWorkflow(
		Action{ID: "a", Kind: ActionCreateTicket, Config: map[string]any{"title": "x"}, Order: 1},
		Action{ID: "b", Kind: ActionSendNotification, Config: map[string]any{"subject": "never"}, Order: 2},
	)
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	if exec.Status != ExecutionFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if len(exec.Log) != 1 {
		t.Fatalf("log entries = %d, want 1 (second action must not run)", len(exec.Log))
	}
	if exec.Error == "" {
		t.Error("execution error should carry the action failure")
	}
	if len(store.notifications) != 0 {
		t.Errorf("notifications = %d, want 0", len(store.notifications))
	}
}

func TestExecuteWorkflowActionOrdering(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	// Declared out of order; must execute ascending by Order.
	wf := baseWorkflow(
		Action{ID: "third", Kind: ActionSendNotification, Config: map[string]any{"subject": "3"}, Order: 3},
		Action{ID: "first", Kind: ActionSendNotification, Config: map[string]any{"subject": "1"}, Order: 1},
		Action{ID: "second", Kind: ActionSendNotification, Config: map[string]any{"subject": "2"}, Order: 2},
	)
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}

	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	var got []string
	for _, n := range store.notifications {
		got = append(got, n.Subject)
	}
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification order = %v, want %v", got, want)
		}
	}
	for i, id := range []string{"first", "second", "third"} {
		if exec.Log[i].ActionID != id {
			t.Errorf("log[%d].ActionID = %s, want %s", i, exec.Log[i].ActionID, id)
		}
	}
}

func TestTriggerWorkflowsMatchesConditions(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	matching := baseWorkflow(Action{ID: "a", Kind: ActionSendNotification, Config: map[string]any{"subject": "hit"}})
	matching.Conditions = []TriggerCondition{
		{Field: "severity", Operator: OpEquals, Value: "high"},
	}
	store.SaveWorkflow(context.Background(), matching)

	filtered := baseWorkflow(Action{ID: "a", Kind: ActionSendNotification, Config: map[string]any{"subject": "miss"}})
	filtered.Conditions = []TriggerCondition{
		{Field: "severity", Operator: OpEquals, Value: "low"},
	}
	store.SaveWorkflow(context.Background(), filtered)

	disabled := baseWorkflow(Action{ID: "a", Kind: ActionSendNotification, Config: map[string]any{"subject": "off"}})
	disabled.Enabled = false
	store.SaveWorkflow(context.Background(), disabled)

	started, err := engine.TriggerWorkflows(context.Background(), TriggerContext{
		Kind: TriggerJobComplete,
		Data: map[string]any{"severity": "high"},
	})
	if err != nil {
		t.Fatalf("TriggerWorkflows() error = %v", err)
	}
	engine.Wait()

	if len(started) != 1 {
		t.Fatalf("started = %d, want 1", len(started))
	}
	if started[0].WorkflowID != matching.ID {
		t.Errorf("started workflow = %s, want %s", started[0].WorkflowID, matching.ID)
	}

	exec, err := store.GetExecution(context.Background(), started[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}

func TestTriggerWorkflowsFireAndForget(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	wf := baseWorkflow(Action{ID: "a", Kind: ActionSendNotification, Config: map[string]any{"subject": "x"}})
	store.SaveWorkflow(context.Background(), wf)

	started, err := engine.TriggerWorkflows(context.Background(), TriggerContext{Kind: TriggerJobComplete})
	if err != nil {
		t.Fatal(err)
	}
	// The returned record is the pending snapshot; completion shows up
	// only in the stored execution.
	if started[0].Status != ExecutionPending {
		t.Errorf("returned status = %s, want pending", started[0].Status)
	}

	engine.Wait()
	exec, err := store.GetExecution(context.Background(), started[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Errorf("stored status = %s, want completed", exec.Status)
	}
	if exec.EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestActionCustomWebhook(t *testing.T) {
	var gotBody string
	var gotHeader string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		gotHeader = r.Header.Get("X-Token")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	wf := baseWorkflow(Action{
		ID:   "hook",
		Kind: ActionCustomWebhook,
		Config: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Token": "s3cr3t"},
			"payload": map[string]any{"job": "{job_id}"},
		},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{
		Kind:  TriggerManual,
		JobID: "job-42",
	})
	if err != nil {
		t.Fatal(err)
	}

	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want default POST", gotMethod)
	}
	if gotHeader != "s3cr3t" {
		t.Errorf("header = %q", gotHeader)
	}
	if gotBody != `{"job":"job-42"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestActionCustomWebhookMethodOverride(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	wf := baseWorkflow(Action{
		ID:   "hook",
		Kind: ActionCustomWebhook,
		Config: map[string]any{
			"url":    srv.URL,
			"method": "put",
		},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
}

func TestTriggerDataNotInterpolated(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	wf := baseWorkflow(Action{
		ID:     "note",
		Kind:   ActionSendNotification,
		Config: map[string]any{"subject": "severity {severity} on {execution_id}"},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{
		Kind: TriggerJobComplete,
		Data: map[string]any{"severity": "critical"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	want := "severity {severity} on " + exec.ID.String()
	if got := store.notifications[0].Subject; got != want {
		t.Errorf("subject = %q, want %q", got, want)
	}
}

func TestActionCustomWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	engine := newTestEngine(store, Collaborators{})

	wf := baseWorkflow(Action{
		ID:     "hook",
		Kind:   ActionCustomWebhook,
		Config: map[string]any{"url": srv.URL},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionFailed {
		t.Errorf("status = %s, want failed on non-2xx", exec.Status)
	}
}

func TestNotifyOnFailure(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{Ticketing: &flakyTicketing{failUntil: 100}})

	wf := baseWorkflow(Action{ID: "a", Kind: ActionCreateTicket, Config: map[string]any{"title": "x"}})
	wf.NotifyOnFailure = true
	wf.Channels = []string{"slack"}
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(store.notifications))
	}
	n := store.notifications[0]
	if n.Channels[0] != "slack" {
		t.Errorf("channels = %v", n.Channels)
	}
	if n.Body == "" {
		t.Error("failure notification should carry the error")
	}
}

func TestActionCreateTicketPriority(t *testing.T) {
	store := newMemStore()
	tickets := &flakyTicketing{}
	engine := newTestEngine(store, Collaborators{Ticketing: tickets})

	wf := baseWorkflow(Action{
		ID:   "a",
		Kind: ActionCreateTicket,
		Config: map[string]any{
			"title":    "suspicious login",
			"priority": ticketing.PriorityHigh,
			"assignee": "soc-tier2",
		},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	if len(tickets.created) != 1 {
		t.Fatalf("tickets created = %d, want 1", len(tickets.created))
	}
	got := tickets.created[0]
	if got.Priority != ticketing.PriorityHigh {
		t.Errorf("priority = %q, want %q", got.Priority, ticketing.PriorityHigh)
	}
	if got.Assignee != "soc-tier2" {
		t.Errorf("assignee = %q", got.Assignee)
	}
}

func TestActionEscalateOpensCriticalTicket(t *testing.T) {
	store := newMemStore()
	tickets := &flakyTicketing{}
	engine := newTestEngine(store, Collaborators{Ticketing: tickets})

	wf := baseWorkflow(Action{
		ID:   "esc",
		Kind: ActionEscalate,
		Config: map[string]any{
			"subject":     "beacon confirmed",
			"priority":    ticketing.PriorityLow, // must not override critical
			"escalate_to": "ir-oncall",
		},
	})
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	if len(tickets.created) != 1 {
		t.Fatalf("tickets created = %d, want 1", len(tickets.created))
	}
	got := tickets.created[0]
	if got.Priority != ticketing.PriorityCritical {
		t.Errorf("priority = %q, want forced %q", got.Priority, ticketing.PriorityCritical)
	}
	if got.Assignee != "ir-oncall" {
		t.Errorf("assignee = %q, want escalation target", got.Assignee)
	}
	if got.Title != "[ESCALATED] beacon confirmed" {
		t.Errorf("title = %q", got.Title)
	}
	if exec.Log[0].Result["ticket_id"] != "T-1" {
		t.Errorf("result = %v", exec.Log[0].Result)
	}
	if len(store.notifications) != 1 {
		t.Errorf("notifications = %d, want 1", len(store.notifications))
	}
}

func TestActionResultFeedsLaterTemplates(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, Collaborators{Ticketing: &flakyTicketing{}})

	wf := baseWorkflow(
		Action{ID: "ticket", Kind: ActionCreateTicket, Config: map[string]any{"title": "t"}, Order: 1},
		Action{ID: "note", Kind: ActionSendNotification, Config: map[string]any{
			"subject": "created {ticket.ticket_id}",
		}, Order: 2},
	)
	store.SaveWorkflow(context.Background(), wf)

	exec, err := engine.ExecuteWorkflow(context.Background(), wf.ID, TriggerContext{Kind: TriggerManual})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s: %s", exec.Status, exec.Error)
	}
	if store.notifications[0].Subject != "created T-1" {
		t.Errorf("subject = %q", store.notifications[0].Subject)
	}
}
