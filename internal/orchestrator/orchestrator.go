// Package orchestrator manages the lifecycle of backend integrations and
// fans correlation and indicator-push requests out across all of them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/connector"
	"threatflow/internal/schema"
)

// Orchestrator errors.
var (
	ErrIntegrationNotFound = errors.New("orchestrator: integration not found")
	ErrIntegrationExists   = errors.New("orchestrator: integration already exists")
	ErrNotConnected        = errors.New("orchestrator: integration not connected")
)

// State is the lifecycle state of one integration. Transitions:
// added -> initializing -> connected | connection_failed; a failed
// integration may recover to connected on a later health check; removed
// is terminal.
type State string

const (
	StateAdded            State = "added"
	StateInitializing     State = "initializing"
	StateConnected        State = "connected"
	StateConnectionFailed State = "connection_failed"
	StateRemoved          State = "removed"
)

// Integration pairs a backend configuration with its live connector.
type Integration struct {
	Config     connector.BackendConfig     `json:"config"`
	State      State                       `json:"state"`
	LastStatus *connector.ConnectionStatus `json:"last_status,omitempty"`
	LastSync   time.Time                   `json:"last_sync,omitempty"`
	LastError  string                      `json:"last_error,omitempty"`

	conn connector.Connector
}

// ConfigStore persists backend configurations across restarts. The
// orchestrator works without one; a nil store keeps configs in memory only.
type ConfigStore interface {
	SaveBackendConfig(ctx context.Context, cfg connector.BackendConfig) error
	DeleteBackendConfig(ctx context.Context, id uuid.UUID) error
	ListBackendConfigs(ctx context.Context) ([]connector.BackendConfig, error)
}

// StatusCache holds the last known connection status per integration so
// status reads do not hit the backend.
type StatusCache interface {
	SetStatus(ctx context.Context, id uuid.UUID, status connector.ConnectionStatus) error
	GetStatus(ctx context.Context, id uuid.UUID) (*connector.ConnectionStatus, error)
}

// IntegrationResult is one integration's share of a fan-out correlation.
// A failed integration contributes a zero-score result with Error set;
// one failure never suppresses the others' results.
type IntegrationResult struct {
	connector.CorrelationResult
	Error string `json:"error,omitempty"`
}

// CorrelationSummary aggregates a fan-out correlation run.
type CorrelationSummary struct {
	Results     []IntegrationResult `json:"results"`
	TotalAlerts int                 `json:"total_alerts"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	Duration    time.Duration       `json:"duration"`
}

// Options tunes orchestrator behavior.
type Options struct {
	// MinConfidence drops correlated alerts below this confidence from
	// fan-out results. Alerts without a confidence count as zero.
	MinConfidence float64

	// SyncInterval is the period between background health checks.
	// Zero disables the sync loop.
	SyncInterval time.Duration
}

// Orchestrator owns the integration registry. All methods are safe for
// concurrent use. Registry iteration order is insertion order.
type Orchestrator struct {
	factory   *connector.Factory
	emitter   *connector.Emitter
	store     ConfigStore
	cache     StatusCache
	validator *schema.Validator
	logger    *slog.Logger
	opts      Options

	mu           sync.RWMutex
	integrations map[uuid.UUID]*Integration
	order        []uuid.UUID

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates an orchestrator. store and cache may be nil.
func New(factory *connector.Factory, store ConfigStore, cache StatusCache, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		factory:      factory,
		emitter:      connector.NewEmitter(),
		store:        store,
		cache:        cache,
		validator:    schema.NewValidator(),
		logger:       logger.With("component", "orchestrator"),
		opts:         opts,
		integrations: make(map[uuid.UUID]*Integration),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Subscribe registers an observer for integration lifecycle events.
func (o *Orchestrator) Subscribe(obs connector.Observer) {
	o.emitter.Subscribe(obs)
}

// AddIntegration constructs a connector for the config, tests the
// connection, and registers the integration. A failed connection test does
// not fail the call: the integration lands in connection_failed and the
// sync loop retries it.
func (o *Orchestrator) AddIntegration(ctx context.Context, cfg connector.BackendConfig) (*Integration, error) {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	o.mu.Lock()
	if _, ok := o.integrations[cfg.ID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIntegrationExists, cfg.ID)
	}
	integ := &Integration{Config: cfg, State: StateAdded}
	o.integrations[cfg.ID] = integ
	o.order = append(o.order, cfg.ID)
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveBackendConfig(ctx, cfg); err != nil {
			o.removeFromRegistry(cfg.ID)
			return nil, fmt.Errorf("persist backend config: %w", err)
		}
	}

	o.setState(integ, StateInitializing)

	conn, err := o.factory.New(cfg)
	if err != nil {
		o.setState(integ, StateConnectionFailed)
		o.setError(integ, err)
		return integ, fmt.Errorf("construct connector %q: %w", cfg.Kind, err)
	}
	integ.conn = conn

	o.checkConnection(ctx, integ)

	o.logger.Info("integration added",
		"integration_id", cfg.ID, "kind", cfg.Kind, "name", cfg.Name,
		"state", o.stateOf(integ))
	return integ, nil
}

// RemoveIntegration closes the connector and removes the integration from
// the registry and the config store. Removal is idempotent: removing an
// unknown or already-removed integration is a no-op.
func (o *Orchestrator) RemoveIntegration(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	integ, ok := o.integrations[id]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	integ.State = StateRemoved
	delete(o.integrations, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	if integ.conn != nil {
		if err := integ.conn.Close(ctx); err != nil {
			o.logger.Warn("connector close failed", "integration_id", id, "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.DeleteBackendConfig(ctx, id); err != nil {
			return fmt.Errorf("delete backend config: %w", err)
		}
	}

	o.emitter.Emit(connector.LifecycleEvent{
		Type:          connector.EventDisconnected,
		IntegrationID: id,
		Kind:          integ.Config.Kind,
		Timestamp:     time.Now().UTC(),
	})
	o.logger.Info("integration removed", "integration_id", id)
	return nil
}

// UpdateIntegration replaces an integration's configuration, rebuilding
// its connector. The integration keeps its ID and registry position.
func (o *Orchestrator) UpdateIntegration(ctx context.Context, id uuid.UUID, cfg connector.BackendConfig) (*Integration, error) {
	o.mu.Lock()
	integ, ok := o.integrations[id]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}
	old := integ.conn
	cfg.ID = id
	cfg.CreatedAt = integ.Config.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	integ.Config = cfg
	integ.conn = nil
	integ.State = StateInitializing
	o.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			o.logger.Warn("connector close failed", "integration_id", id, "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.SaveBackendConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("persist backend config: %w", err)
		}
	}

	conn, err := o.factory.New(cfg)
	if err != nil {
		o.setState(integ, StateConnectionFailed)
		o.setError(integ, err)
		return integ, fmt.Errorf("construct connector %q: %w", cfg.Kind, err)
	}

	o.mu.Lock()
	integ.conn = conn
	o.mu.Unlock()

	o.checkConnection(ctx, integ)
	return integ, nil
}

// LoadPersisted restores integrations from the config store. Used at
// startup. Individual failures are logged and skipped.
func (o *Orchestrator) LoadPersisted(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	configs, err := o.store.ListBackendConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list backend configs: %w", err)
	}
	for _, cfg := range configs {
		if _, err := o.AddIntegration(ctx, cfg); err != nil {
			o.logger.Warn("failed to restore integration",
				"integration_id", cfg.ID, "kind", cfg.Kind, "error", err)
		}
	}
	return nil
}

// GetIntegration returns the integration by ID.
func (o *Orchestrator) GetIntegration(id uuid.UUID) (*Integration, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	integ, ok := o.integrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}
	return integ, nil
}

// ListIntegrations returns all registered integrations in insertion order.
func (o *Orchestrator) ListIntegrations() []*Integration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Integration, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.integrations[id])
	}
	return out
}

// GetIntegrationStatus returns the last known connection status, reading
// through the status cache before falling back to a live check.
func (o *Orchestrator) GetIntegrationStatus(ctx context.Context, id uuid.UUID) (*connector.ConnectionStatus, error) {
	o.mu.RLock()
	integ, ok := o.integrations[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}

	if o.cache != nil {
		if status, err := o.cache.GetStatus(ctx, id); err == nil && status != nil {
			return status, nil
		}
	}
	if integ.conn == nil {
		return nil, ErrNotConnected
	}
	status := integ.conn.TestConnection(ctx)
	o.recordStatus(ctx, integ, status)
	return &status, nil
}

// DescribeIntegration returns a snapshot of one integration: its
// configuration, lifecycle state, and connection status refreshed with a
// live check. An integration without a connector is returned as-is.
func (o *Orchestrator) DescribeIntegration(ctx context.Context, id uuid.UUID) (*Integration, error) {
	o.mu.RLock()
	integ, ok := o.integrations[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}

	if integ.conn != nil {
		o.checkConnection(ctx, integ)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	snap := *integ
	return &snap, nil
}

// DescribeIntegrations snapshots the whole registry in insertion order,
// refreshing each integration's connection status.
func (o *Orchestrator) DescribeIntegrations(ctx context.Context) []*Integration {
	o.mu.RLock()
	ids := append([]uuid.UUID(nil), o.order...)
	o.mu.RUnlock()

	out := make([]*Integration, 0, len(ids))
	for _, id := range ids {
		integ, err := o.DescribeIntegration(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, integ)
	}
	return out
}

// CorrelateWithAll fans a correlation run out across every connected
// integration concurrently. Each integration contributes exactly one
// result; a failing integration yields a zero-score result carrying its
// error, never an aborted run. Results follow registry order. Alerts
// below MinConfidence are dropped.
func (o *Orchestrator) CorrelateWithAll(ctx context.Context, bundle *schema.IndicatorBundle, tr connector.TimeRange) (*CorrelationSummary, error) {
	if err := o.validator.ValidateBundle(bundle); err != nil {
		return nil, fmt.Errorf("reject correlation input: %w", err)
	}

	start := time.Now()
	active := o.activeIntegrations()

	summary := &CorrelationSummary{
		Results: make([]IntegrationResult, len(active)),
	}

	var wg sync.WaitGroup
	for i, integ := range active {
		wg.Add(1)
		go func(i int, integ *Integration) {
			defer wg.Done()
			res, err := connector.Correlate(ctx, integ.conn, bundle, tr)
			if err != nil {
				o.logger.Warn("correlation failed",
					"integration_id", integ.Config.ID,
					"integration_name", integ.Config.Name,
					"error", err)
				summary.Results[i] = IntegrationResult{
					CorrelationResult: connector.CorrelationResult{
						IntegrationID:   integ.Config.ID,
						IntegrationName: integ.Config.Name,
						Recommendations: []string{
							fmt.Sprintf("Correlation against %s failed: %v. Check the backend connection and re-run.", integ.Config.Name, err),
						},
					},
					Error: err.Error(),
				}
				return
			}
			res.CorrelatedAlerts = o.filterByConfidence(res.CorrelatedAlerts)
			summary.Results[i] = IntegrationResult{CorrelationResult: *res}
		}(i, integ)
	}
	wg.Wait()

	for _, r := range summary.Results {
		if r.Error != "" {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		summary.TotalAlerts += len(r.CorrelatedAlerts)
	}
	summary.Duration = time.Since(start)

	o.logger.Info("fan-out correlation complete",
		"integrations", len(active),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"total_alerts", summary.TotalAlerts,
		"duration", summary.Duration)
	return summary, nil
}

// PushIndicatorsToAll publishes the indicators to every active
// integration, returning per-integration success.
func (o *Orchestrator) PushIndicatorsToAll(ctx context.Context, indicators []schema.Indicator) map[uuid.UUID]bool {
	active := o.activeIntegrations()

	results := make(map[uuid.UUID]bool, len(active))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, integ := range active {
		wg.Add(1)
		go func(integ *Integration) {
			defer wg.Done()
			err := integ.conn.PushIndicators(ctx, indicators)
			if err != nil {
				o.logger.Warn("indicator push failed",
					"integration_id", integ.Config.ID, "error", err)
			}
			mu.Lock()
			results[integ.Config.ID] = err == nil
			mu.Unlock()
		}(integ)
	}
	wg.Wait()
	return results
}

// DeployDetection creates a scheduled detection search on one integration,
// or on every connected integration when integrationID is empty. Returns
// the backend search IDs joined with commas.
func (o *Orchestrator) DeployDetection(ctx context.Context, integrationID string, name, query string) (string, error) {
	targets, err := o.resolveTargets(integrationID)
	if err != nil {
		return "", err
	}

	var ids []string
	for _, integ := range targets {
		searchID, err := integ.conn.CreateSearch(ctx, name, query, nil)
		if err != nil {
			return "", fmt.Errorf("deploy detection to %s: %w", integ.Config.Name, err)
		}
		ids = append(ids, searchID)
	}
	return strings.Join(ids, ","), nil
}

// UpdateAlertStatus pushes an alert status change to one integration.
func (o *Orchestrator) UpdateAlertStatus(ctx context.Context, integrationID, alertID, status string) error {
	if integrationID == "" {
		return fmt.Errorf("%w: alert status update requires an integration id", ErrIntegrationNotFound)
	}
	targets, err := o.resolveTargets(integrationID)
	if err != nil {
		return err
	}

	s := schema.AlertStatus(status)
	if !s.IsValid() {
		return fmt.Errorf("orchestrator: invalid alert status %q", status)
	}
	return targets[0].conn.UpdateAlertStatus(ctx, alertID, s, "Updated by workflow")
}

// StartSync launches the background health-check loop. No-op when
// SyncInterval is zero.
func (o *Orchestrator) StartSync(ctx context.Context) {
	if o.opts.SyncInterval <= 0 {
		close(o.done)
		return
	}
	go o.syncLoop(ctx)
}

// Stop terminates the sync loop and closes every connector.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.done

	o.mu.Lock()
	integrations := make([]*Integration, 0, len(o.order))
	for _, id := range o.order {
		integrations = append(integrations, o.integrations[id])
	}
	o.mu.Unlock()

	for _, integ := range integrations {
		if integ.conn == nil {
			continue
		}
		if err := integ.conn.Close(ctx); err != nil {
			o.logger.Warn("connector close failed",
				"integration_id", integ.Config.ID, "error", err)
		}
	}
}

func (o *Orchestrator) syncLoop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.syncAll(ctx)
		}
	}
}

// syncWindow is how far back each sync tick queries for alerts to prove
// the backend answers real searches, not just pings.
const syncWindow = 5 * time.Minute

// syncAll re-checks every enabled integration's connection, recovering
// failed integrations whose backend came back. Connected integrations also
// get a narrow-window alert fetch; a failing fetch is recorded on the
// integration and logged, never raised.
func (o *Orchestrator) syncAll(ctx context.Context) {
	o.mu.RLock()
	integrations := make([]*Integration, 0, len(o.order))
	for _, id := range o.order {
		integrations = append(integrations, o.integrations[id])
	}
	o.mu.RUnlock()

	for _, integ := range integrations {
		if integ.conn == nil || !integ.Config.Enabled {
			continue
		}
		o.checkConnection(ctx, integ)

		if o.stateOf(integ) == StateConnected {
			now := time.Now().UTC()
			alerts, err := integ.conn.GetAlerts(ctx, &connector.TimeRange{Start: now.Add(-syncWindow), End: now}, 1)
			if err != nil {
				o.setError(integ, fmt.Errorf("sync alert fetch: %w", err))
				o.logger.Warn("sync alert fetch failed",
					"integration_id", integ.Config.ID, "error", err)
			} else {
				o.logger.Debug("sync alert fetch ok",
					"integration_id", integ.Config.ID, "alerts", len(alerts))
			}
		}

		o.mu.Lock()
		integ.LastSync = time.Now().UTC()
		o.mu.Unlock()
	}
}

// activeIntegrations returns, in registry order, the integrations fan-out
// operations address: enabled in config, connected, with a live connector.
func (o *Orchestrator) activeIntegrations() []*Integration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	active := make([]*Integration, 0, len(o.order))
	for _, id := range o.order {
		integ := o.integrations[id]
		if integ.Config.Enabled && integ.State == StateConnected && integ.conn != nil {
			active = append(active, integ)
		}
	}
	return active
}

// resolveTargets returns the integrations a backend-side operation
// addresses: one when id is set, all active ones when empty.
func (o *Orchestrator) resolveTargets(integrationID string) ([]*Integration, error) {
	if integrationID != "" {
		o.mu.RLock()
		defer o.mu.RUnlock()
		id, err := uuid.Parse(integrationID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: invalid integration id %q: %w", integrationID, err)
		}
		integ, ok := o.integrations[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
		}
		if integ.State != StateConnected || integ.conn == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
		}
		return []*Integration{integ}, nil
	}

	targets := o.activeIntegrations()
	if len(targets) == 0 {
		return nil, ErrNotConnected
	}
	return targets, nil
}

// checkConnection tests an integration's connection and applies the
// resulting state transition.
func (o *Orchestrator) checkConnection(ctx context.Context, integ *Integration) {
	status := integ.conn.TestConnection(ctx)
	o.recordStatus(ctx, integ, status)

	if status.Connected {
		o.setState(integ, StateConnected)
		o.setError(integ, nil)
		o.emitter.Emit(connector.LifecycleEvent{
			Type:          connector.EventConnected,
			IntegrationID: integ.Config.ID,
			Kind:          integ.Config.Kind,
			Timestamp:     status.CheckedAt,
		})
		return
	}

	o.setState(integ, StateConnectionFailed)
	o.setError(integ, errors.New(status.Error))
	o.emitter.Emit(connector.LifecycleEvent{
		Type:          connector.EventError,
		IntegrationID: integ.Config.ID,
		Kind:          integ.Config.Kind,
		Timestamp:     status.CheckedAt,
		Detail:        status.Error,
	})
}

func (o *Orchestrator) recordStatus(ctx context.Context, integ *Integration, status connector.ConnectionStatus) {
	o.mu.Lock()
	integ.LastStatus = &status
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.SetStatus(ctx, integ.Config.ID, status); err != nil {
			o.logger.Warn("status cache write failed",
				"integration_id", integ.Config.ID, "error", err)
		}
	}
}

// filterByConfidence drops alerts whose confidence falls below the
// configured minimum. An alert without a confidence counts as zero.
func (o *Orchestrator) filterByConfidence(alerts []schema.NormalizedAlert) []schema.NormalizedAlert {
	if o.opts.MinConfidence <= 0 {
		return alerts
	}
	filtered := alerts[:0:0]
	for _, a := range alerts {
		conf := 0.0
		if a.Confidence != nil {
			conf = *a.Confidence
		}
		if conf >= o.opts.MinConfidence {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

func (o *Orchestrator) setState(integ *Integration, s State) {
	o.mu.Lock()
	integ.State = s
	o.mu.Unlock()
}

func (o *Orchestrator) stateOf(integ *Integration) State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return integ.State
}

func (o *Orchestrator) setError(integ *Integration, err error) {
	o.mu.Lock()
	if err != nil {
		integ.LastError = err.Error()
	} else {
		integ.LastError = ""
	}
	o.mu.Unlock()
}

func (o *Orchestrator) removeFromRegistry(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.integrations, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
