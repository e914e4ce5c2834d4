package splunk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"threatflow/internal/connector"
	"threatflow/internal/schema"
)

// fakeSplunk simulates the REST endpoints the connector touches. Search
// jobs complete after pollsUntilDone status polls.
type fakeSplunk struct {
	t              *testing.T
	pollsUntilDone int
	polls          int
	results        []map[string]any
	failJob        bool

	submitted     []string
	deletedJobs   []string
	lookups       map[string]string
	savedSearches []map[string]string
}

func newFakeSplunk(t *testing.T) *fakeSplunk {
	return &fakeSplunk{t: t, lookups: make(map[string]string)}
}

func (f *fakeSplunk) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/services/server/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"entry": []map[string]any{{"content": map[string]any{"version": "9.2.1"}}},
		})
	})

	mux.HandleFunc("/services/search/jobs", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.submitted = append(f.submitted, r.Form.Get("search"))
		json.NewEncoder(w).Encode(map[string]string{"sid": "job-1"})
	})

	mux.HandleFunc("/services/search/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			f.deletedJobs = append(f.deletedJobs, "job-1")
			w.WriteHeader(http.StatusOK)
			return
		}
		f.polls++
		content := map[string]any{"dispatchState": "RUNNING"}
		if f.failJob {
			content = map[string]any{"dispatchState": "FAILED", "isFailed": true}
		} else if f.polls > f.pollsUntilDone {
			content = map[string]any{"dispatchState": "DONE", "isDone": true}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entry": []map[string]any{{"content": content}},
		})
	})

	mux.HandleFunc("/services/search/jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": f.results})
	})

	mux.HandleFunc("/services/data/lookup-table-files", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.lookups[r.Form.Get("name")] = r.Form.Get("eai:data")
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/services/saved/searches", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		saved := map[string]string{}
		for key := range r.Form {
			saved[key] = r.Form.Get(key)
		}
		f.savedSearches = append(f.savedSearches, saved)
		w.WriteHeader(http.StatusCreated)
	})

	return mux
}

func testConnector(t *testing.T, server *httptest.Server) *Connector {
	t.Helper()
	conn, err := New(connector.BackendConfig{
		ID:      uuid.New(),
		Name:    "prod-splunk",
		Kind:    Kind,
		BaseURL: server.URL,
		Auth: connector.AuthConfig{
			Type:        connector.AuthToken,
			Credentials: map[string]string{"token": "secret"},
		},
		Settings: map[string]any{"alert_email": "soc@example.com"},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return conn.(*Connector)
}

func TestTestConnection(t *testing.T) {
	fake := newFakeSplunk(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	conn := testConnector(t, server)
	status := conn.TestConnection(context.Background())

	if !status.Connected {
		t.Fatalf("expected connected status, got error %q", status.Error)
	}
	if status.Version != "9.2.1" {
		t.Errorf("expected version 9.2.1, got %q", status.Version)
	}
}

func TestTestConnection_Unreachable(t *testing.T) {
	conn, err := New(connector.BackendConfig{
		Name:    "down",
		BaseURL: "http://127.0.0.1:1",
		Auth: connector.AuthConfig{
			Type:        connector.AuthToken,
			Credentials: map[string]string{"token": "x"},
		},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	status := conn.TestConnection(context.Background())
	if status.Connected {
		t.Fatal("expected connection failure")
	}
	if status.Error == "" {
		t.Error("expected error message in status")
	}
}

func TestQuery_JobLifecycle(t *testing.T) {
	fake := newFakeSplunk(t)
	fake.pollsUntilDone = 0
	fake.results = []map[string]any{
		{
			"event_id":   "ev-1",
			"_time":      "2026-02-10T12:00:00Z",
			"source":     "firewall",
			"sourcetype": "cisco:asa",
			"urgency":    "high",
			"_raw":       "deny tcp 10.0.0.5",
		},
	}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	conn := testConnector(t, server)
	result, err := conn.Query(context.Background(), `index=* src_ip="10.0.0.5"`, connector.QueryOptions{})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}

	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	ev := result.Events[0]
	if ev.ID != "ev-1" || ev.Source != "firewall" || ev.EventType != "cisco:asa" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Severity != schema.SeverityHigh {
		t.Errorf("expected high severity, got %s", ev.Severity)
	}
	if !strings.HasPrefix(result.Query, "search ") {
		t.Errorf("resolved query should carry the search prefix: %q", result.Query)
	}
	if len(fake.deletedJobs) != 1 {
		t.Errorf("finished job should be deleted, got deletions %v", fake.deletedJobs)
	}
}

func TestQuery_FailedJob(t *testing.T) {
	fake := newFakeSplunk(t)
	fake.failJob = true
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	conn := testConnector(t, server)
	if _, err := conn.Query(context.Background(), "index=*", connector.QueryOptions{}); err == nil {
		t.Fatal("expected error for failed search job")
	}
}

func TestPushIndicators(t *testing.T) {
	fake := newFakeSplunk(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	conn := testConnector(t, server)
	indicators := []schema.Indicator{
		{Type: schema.IndicatorIP, Value: "10.0.0.5", Confidence: floatPtr(0.8)},
		{Type: schema.IndicatorDomain, Value: "evil.example.com"},
	}

	if err := conn.PushIndicators(context.Background(), indicators); err != nil {
		t.Fatalf("PushIndicators returned error: %v", err)
	}

	csv, ok := fake.lookups[indicatorLookup]
	if !ok {
		t.Fatalf("lookup %s was not uploaded", indicatorLookup)
	}
	if !strings.Contains(csv, "10.0.0.5") || !strings.Contains(csv, "evil.example.com") {
		t.Errorf("lookup CSV missing indicator values:\n%s", csv)
	}

	if len(fake.savedSearches) != 1 {
		t.Fatalf("expected one monitoring search, got %d", len(fake.savedSearches))
	}
	monitor := fake.savedSearches[0]
	if monitor["name"] != monitorSearchName {
		t.Errorf("unexpected monitoring search name %q", monitor["name"])
	}
	if !strings.Contains(monitor["search"], "10.0.0.5") {
		t.Errorf("monitoring search should cover pushed values: %q", monitor["search"])
	}

	// Re-pushing the same indicators must not be an error.
	if err := conn.PushIndicators(context.Background(), indicators); err != nil {
		t.Fatalf("repeated push returned error: %v", err)
	}
}

func TestCreateSearch(t *testing.T) {
	fake := newFakeSplunk(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	conn := testConnector(t, server)
	bundle := &schema.IndicatorBundle{
		Indicators: []schema.Indicator{
			{Type: schema.IndicatorHash, Value: "d41d8cd98f00b204e9800998ecf8427e"},
		},
	}

	id, err := conn.CreateSearch(context.Background(), "ThreatFlow Detection", "", bundle)
	if err != nil {
		t.Fatalf("CreateSearch returned error: %v", err)
	}
	if id != "ThreatFlow Detection" {
		t.Errorf("expected saved search name as ID, got %q", id)
	}

	saved := fake.savedSearches[len(fake.savedSearches)-1]
	if saved["cron_schedule"] != detectionCron {
		t.Errorf("expected cron %q, got %q", detectionCron, saved["cron_schedule"])
	}
	if saved["action.email.to"] != "soc@example.com" {
		t.Errorf("expected email action, got %q", saved["action.email.to"])
	}
}

func TestCheckCredentials(t *testing.T) {
	tests := []struct {
		name    string
		auth    connector.AuthConfig
		wantErr bool
	}{
		{
			name:    "basic complete",
			auth:    connector.AuthConfig{Type: connector.AuthBasic, Credentials: map[string]string{"username": "u", "password": "p"}},
			wantErr: false,
		},
		{
			name:    "basic missing password",
			auth:    connector.AuthConfig{Type: connector.AuthBasic, Credentials: map[string]string{"username": "u"}},
			wantErr: true,
		},
		{
			name:    "token complete",
			auth:    connector.AuthConfig{Type: connector.AuthToken, Credentials: map[string]string{"token": "t"}},
			wantErr: false,
		},
		{
			name:    "oauth missing token",
			auth:    connector.AuthConfig{Type: connector.AuthOAuth, Credentials: map[string]string{}},
			wantErr: true,
		},
		{
			name:    "unknown auth type",
			auth:    connector.AuthConfig{Type: "kerberos"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkCredentials(tt.auth)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMapping(t *testing.T) {
	if got := mapSeverity("informational"); got != schema.SeverityLow {
		t.Errorf("informational should map to low, got %s", got)
	}
	if got := mapSeverity("5"); got != schema.SeverityCritical {
		t.Errorf("5 should map to critical, got %s", got)
	}
	if got := mapSeverity("bogus"); got != schema.SeverityMedium {
		t.Errorf("unknown severity should default to medium, got %s", got)
	}
	if got := mapStatus("in progress"); got != schema.AlertAcknowledged {
		t.Errorf("in progress should map to acknowledged, got %s", got)
	}
	if got := mapStatus("bogus"); got != schema.AlertOpen {
		t.Errorf("unknown status should default to open, got %s", got)
	}
}

func TestBuildIndicatorQuery(t *testing.T) {
	conn := &Connector{}
	tests := []struct {
		indType schema.IndicatorType
		value   string
		want    string
	}{
		{schema.IndicatorIP, "10.0.0.5", "src_ip"},
		{schema.IndicatorDomain, "evil.example.com", "dest_host"},
		{schema.IndicatorURL, "http://evil/x", "uri_path"},
		{schema.IndicatorHash, "abcd", "sha256"},
		{schema.IndicatorEmail, "a@b.c", "recipient"},
		{schema.IndicatorFilename, "mimikatz.exe", "process_name"},
	}

	for _, tt := range tests {
		t.Run(string(tt.indType), func(t *testing.T) {
			got := conn.BuildIndicatorQuery(schema.Indicator{Type: tt.indType, Value: tt.value})
			if !strings.Contains(got, tt.want) {
				t.Errorf("query %q does not contain %q", got, tt.want)
			}
			if !strings.Contains(got, tt.value) {
				t.Errorf("query %q does not contain value", got)
			}
		})
	}
}

func TestEnsureSearchPrefix(t *testing.T) {
	if got := ensureSearchPrefix("index=*"); got != "search index=*" {
		t.Errorf("unexpected prefix result %q", got)
	}
	if got := ensureSearchPrefix("search index=*"); got != "search index=*" {
		t.Errorf("existing prefix must be preserved, got %q", got)
	}
	if got := ensureSearchPrefix("| tstats count"); got != "| tstats count" {
		t.Errorf("generating command must be preserved, got %q", got)
	}
}

func floatPtr(v float64) *float64 { return &v }
