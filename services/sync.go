package services

import (
	"context"
	"sync"
	"time"

	"circuitpanel/models"

	"go.uber.org/zap"
)

// DeviceAPI is the slice of the backend client the sync engine needs.
type DeviceAPI interface {
	FetchDeviceState(token string) (models.Estados, *models.Failure)
	WriteDeviceState(token string, userID int, st models.DeviceState) *models.Failure
	FetchObstacle(token string) (bool, *models.Failure)
	FetchHistory(token string) ([]models.HistoryEntry, *models.Failure)
	AppendHistory(token string, userID int, action string) *models.Failure
}

// ObstacleListener is notified on obstacle flag transitions.
type ObstacleListener interface {
	ObstacleChanged(detected bool)
}

// AuditSink receives every successfully recorded user action.
type AuditSink interface {
	Publish(userID int, action string) error
}

// Snapshot is the presentation-facing view of the engine state.
type Snapshot struct {
	State models.DeviceState
	// Ready is false until the first successful state poll; before that the
	// mirror holds no meaningful values and a UI must show a loading state.
	Ready           bool
	Updating        bool
	ConnectionError bool
}

// SyncEngine keeps a local mirror of the device state in sync with the
// backend while a user is authenticated. Two tickers poll the full state and
// the obstacle flag at the same fixed interval; user toggles update the
// mirror optimistically and push the complete state in a single-flight
// write. Failures raise a connectivity flag and nothing else: the next tick
// is the retry.
type SyncEngine struct {
	api      DeviceAPI
	auth     *AuthService
	interval time.Duration
	logger   *zap.Logger

	alerts ObstacleListener
	audit  AuditSink

	// runMu guards the ticker lifecycle: Stopped -> Running -> Stopped.
	// The previous cancel handle is always released before a new one is
	// armed, so restarting never leaves a duplicate timer running.
	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    models.DeviceState
	history  []models.HistoryEntry
	ready    bool
	updating bool
	connErr  bool
}

func NewSyncEngine(api DeviceAPI, auth *AuthService, interval time.Duration, logger *zap.Logger) *SyncEngine {
	return &SyncEngine{
		api:      api,
		auth:     auth,
		interval: interval,
		logger:   logger,
	}
}

// AttachAlerts wires an optional obstacle transition listener. Call before
// Start.
func (e *SyncEngine) AttachAlerts(l ObstacleListener) {
	e.alerts = l
}

// AttachAudit wires an optional audit sink. Call before Start.
func (e *SyncEngine) AttachAudit(s AuditSink) {
	e.audit = s
}

// Start arms the polling loop. It is a no-op when already running or when
// no session is active.
func (e *SyncEngine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel != nil {
		return
	}
	if !e.auth.IsAuthenticated() {
		e.logger.Debug("Start skipped, not authenticated")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx = ctx
	e.cancel = cancel

	e.logger.Info("Sync engine started", zap.Duration("interval", e.interval))
	go e.run(ctx)
}

// Stop cancels the polling loop. In-flight requests are left to finish;
// their completion handlers check authentication before touching the mirror.
func (e *SyncEngine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()
	e.runCtx = nil
	e.cancel = nil
	e.logger.Info("Sync engine stopped")
}

// stopRun tears down the run identified by ctx. A loop that outlived its run
// (logout raced with a fresh Start) must not cancel the new one.
func (e *SyncEngine) stopRun(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.runCtx != ctx {
		return
	}
	e.cancel()
	e.runCtx = nil
	e.cancel = nil
	e.logger.Info("Sync engine stopped")
}

func (e *SyncEngine) run(ctx context.Context) {
	// Initial load so the dashboard fills without waiting a full interval.
	if token := e.auth.Token(); token != "" {
		e.refreshState(token)
		e.refreshObstacle(token)
		e.refreshHistory(token)
	}

	go e.pollLoop(ctx, "estados", e.refreshState)
	go e.pollLoop(ctx, "obstaculo", e.refreshObstacle)
}

// pollLoop fires fn at the fixed interval until the context is cancelled or
// authentication goes away. Failures never stop the ticker.
func (e *SyncEngine) pollLoop(ctx context.Context, name string, fn func(token string)) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token := e.auth.Token()
			if token == "" {
				e.logger.Debug("Poll tick after logout, disarming", zap.String("poll", name))
				e.stopRun(ctx)
				return
			}
			fn(token)
		}
	}
}

// refreshState pulls the full device state and overwrites the LED and motor
// mirror fields with server truth. The obstacle flag has its own poll.
func (e *SyncEngine) refreshState(token string) {
	estados, fail := e.api.FetchDeviceState(token)
	if fail != nil {
		e.raiseConnError(fail, "consultarEstados")
		return
	}

	e.mu.Lock()
	if !e.auth.IsAuthenticated() {
		e.mu.Unlock()
		return
	}
	e.state.Led1 = estados.EstadoLed1
	e.state.Led2 = estados.EstadoLed2
	e.state.Led3 = estados.EstadoLed3
	e.state.Motor = estados.EstadoSensor
	e.ready = true
	e.connErr = false
	e.mu.Unlock()
}

// refreshObstacle pulls the obstacle flag and notifies the alert listener on
// a transition.
func (e *SyncEngine) refreshObstacle(token string) {
	detected, fail := e.api.FetchObstacle(token)
	if fail != nil {
		e.raiseConnError(fail, "consultarObstaculo")
		return
	}

	e.mu.Lock()
	if !e.auth.IsAuthenticated() {
		e.mu.Unlock()
		return
	}
	changed := e.state.ObstacleDetected != detected
	e.state.ObstacleDetected = detected
	e.connErr = false
	e.mu.Unlock()

	if changed {
		e.notifyObstacle(detected)
	}
}

// SetObstacle applies an obstacle reading pushed from outside the polling
// loop (MQTT). Polling stays authoritative; this only tightens freshness.
func (e *SyncEngine) SetObstacle(detected bool) {
	if !e.auth.IsAuthenticated() {
		return
	}

	e.mu.Lock()
	changed := e.state.ObstacleDetected != detected
	e.state.ObstacleDetected = detected
	e.mu.Unlock()

	if changed {
		e.notifyObstacle(detected)
	}
}

func (e *SyncEngine) notifyObstacle(detected bool) {
	e.logger.Info("Obstacle state changed", zap.Bool("detected", detected))
	if e.alerts != nil {
		e.alerts.ObstacleChanged(detected)
	}
}

func (e *SyncEngine) refreshHistory(token string) {
	entries, fail := e.api.FetchHistory(token)
	if fail != nil {
		e.raiseConnError(fail, "consultarHistorial")
		return
	}

	e.mu.Lock()
	if !e.auth.IsAuthenticated() {
		e.mu.Unlock()
		return
	}
	e.history = entries
	e.connErr = false
	e.mu.Unlock()
}

// ToggleLED flips one LED. Returns false when the toggle was rejected
// (logged out, invalid LED, or a write already in flight).
func (e *SyncEngine) ToggleLED(led int, on bool) bool {
	if led < 1 || led > 3 {
		return false
	}
	return e.apply(models.LEDAction(led, on), func(st *models.DeviceState) {
		switch led {
		case 1:
			st.Led1 = on
		case 2:
			st.Led2 = on
		case 3:
			st.Led3 = on
		}
	})
}

// ToggleMotor flips the motor relay.
func (e *SyncEngine) ToggleMotor(on bool) bool {
	return e.apply(models.MotorAction(on), func(st *models.DeviceState) {
		st.Motor = on
	})
}

// ToggleAllLEDs sets all three LEDs in one write and one history entry.
func (e *SyncEngine) ToggleAllLEDs(on bool) bool {
	return e.apply(models.AllLEDsAction(on), func(st *models.DeviceState) {
		st.Led1 = on
		st.Led2 = on
		st.Led3 = on
	})
}

// apply runs the optimistic toggle protocol: mutate the mirror immediately,
// then push the complete state on a goroutine. At most one write is in
// flight; a toggle arriving while the flag is set is rejected, not queued,
// so overlapping writes can never carry stale snapshots of each other.
func (e *SyncEngine) apply(action string, mutate func(*models.DeviceState)) bool {
	if !e.auth.IsAuthenticated() {
		return false
	}

	e.mu.Lock()
	if e.updating {
		e.mu.Unlock()
		e.logger.Debug("Toggle rejected, write in flight", zap.String("action", action))
		return false
	}
	mutate(&e.state)
	e.updating = true
	snapshot := e.state
	e.mu.Unlock()

	go e.writeState(snapshot, action)
	return true
}

// writeState pushes one full-state write and, on success, records the
// action to the history feed. A failed write raises the connectivity flag
// but does not roll the mirror back; the next poll overwrites it with
// server truth.
func (e *SyncEngine) writeState(st models.DeviceState, action string) {
	defer func() {
		e.mu.Lock()
		e.updating = false
		e.mu.Unlock()
	}()

	token := e.auth.Token()
	userID := e.auth.UserID()
	if token == "" {
		// Logged out between the toggle and this write.
		return
	}

	if fail := e.api.WriteDeviceState(token, userID, st); fail != nil {
		e.raiseConnError(fail, "insertarEstados")
		return
	}
	e.clearConnError()

	e.recordAction(token, userID, action)
}

// recordAction appends exactly one history entry for a successful write and
// re-fetches the list so the visible history is always the server's record.
func (e *SyncEngine) recordAction(token string, userID int, action string) {
	if fail := e.api.AppendHistory(token, userID, action); fail != nil {
		e.raiseConnError(fail, "insertarHistorial")
		return
	}

	if e.audit != nil {
		if err := e.audit.Publish(userID, action); err != nil {
			e.logger.Warn("Audit publish failed",
				zap.String("action", action),
				zap.Error(err))
		}
	}

	// The follow-up honors teardown: skip when logout raced the write.
	if token = e.auth.Token(); token == "" {
		return
	}
	e.refreshHistory(token)
}

func (e *SyncEngine) raiseConnError(fail *models.Failure, op string) {
	e.mu.Lock()
	e.connErr = true
	e.mu.Unlock()

	e.logger.Warn("Backend call failed",
		zap.String("op", op),
		zap.String("kind", string(fail.Kind)),
		zap.String("message", fail.Message))
}

func (e *SyncEngine) clearConnError() {
	e.mu.Lock()
	e.connErr = false
	e.mu.Unlock()
}

// Snapshot returns a copy of the mirror and its flags for presentation.
func (e *SyncEngine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:           e.state,
		Ready:           e.ready,
		Updating:        e.updating,
		ConnectionError: e.connErr,
	}
}

// History returns a copy of the last fetched history list.
func (e *SyncEngine) History() []models.HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// Updating reports whether a state write is in flight; the control surface
// disables toggles while this is true.
func (e *SyncEngine) Updating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updating
}
