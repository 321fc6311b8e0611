package services

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"circuitpanel/models"

	"go.uber.org/zap"
)

// fakeAPI implements DeviceAPI and AuthAPI in memory with instrumented
// counters and an optional gate that holds writes open.
type fakeAPI struct {
	mu       sync.Mutex
	estados  models.Estados
	obstacle bool
	history  []models.HistoryEntry

	stateCalls    int
	obstacleCalls int
	historyCalls  int
	writeCalls    int
	appendCalls   int

	stateFail  *models.Failure
	writeFail  *models.Failure
	rejectAuth bool

	writeGate    chan struct{}
	writeStarted chan struct{}

	lastWrite models.DeviceState
	appended  []string
}

func (f *fakeAPI) Login(username, password string) (*models.Session, *models.Failure) {
	f.mu.Lock()
	reject := f.rejectAuth
	f.mu.Unlock()
	if reject || username != "admin" || password != "123" {
		return nil, models.NewApplicationFailure("Usuario o contraseña incorrectos")
	}
	return &models.Session{Token: "tok", UserID: 7}, nil
}

func (f *fakeAPI) FetchDeviceState(_ string) (models.Estados, *models.Failure) {
	f.mu.Lock()
	f.stateCalls++
	estados, fail := f.estados, f.stateFail
	f.mu.Unlock()
	if fail != nil {
		return models.Estados{}, fail
	}
	return estados, nil
}

func (f *fakeAPI) WriteDeviceState(_ string, _ int, st models.DeviceState) *models.Failure {
	f.mu.Lock()
	f.writeCalls++
	f.lastWrite = st
	gate, started, fail := f.writeGate, f.writeStarted, f.writeFail
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return fail
}

func (f *fakeAPI) FetchObstacle(_ string) (bool, *models.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obstacleCalls++
	return f.obstacle, nil
}

func (f *fakeAPI) FetchHistory(_ string) ([]models.HistoryEntry, *models.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	entries := make([]models.HistoryEntry, len(f.history))
	copy(entries, f.history)
	return entries, nil
}

func (f *fakeAPI) AppendHistory(_ string, userID int, action string) *models.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	f.appended = append(f.appended, action)
	f.history = append(f.history, models.HistoryEntry{
		ID:        len(f.history) + 1,
		UserID:    userID,
		Action:    action,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	return nil
}

func (f *fakeAPI) counts() (state, obstacle, history, write, appendCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls, f.obstacleCalls, f.historyCalls, f.writeCalls, f.appendCalls
}

type fakeListener struct {
	mu          sync.Mutex
	transitions []bool
}

func (l *fakeListener) ObstacleChanged(detected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, detected)
}

func newTestEngine(t *testing.T, interval time.Duration) (*SyncEngine, *fakeAPI, *AuthService) {
	t.Helper()

	fake := &fakeAPI{}
	store := NewSessionStore(filepath.Join(t.TempDir(), "session.json"), zap.NewNop())
	auth := NewAuthService(fake, store, zap.NewNop())
	auth.Restore()
	engine := NewSyncEngine(fake, auth, interval, zap.NewNop())
	t.Cleanup(engine.Stop)
	return engine, fake, auth
}

func login(t *testing.T, auth *AuthService) {
	t.Helper()
	if ok, msg := auth.Login("admin", "123"); !ok {
		t.Fatalf("login failed: %s", msg)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPollKeepsMirrorStable(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 10*time.Millisecond)
	login(t, auth)

	fake.mu.Lock()
	fake.estados = models.Estados{EstadoLed1: true, EstadoLed3: true, EstadoSensor: true}
	fake.mu.Unlock()

	engine.Start()
	waitFor(t, func() bool { return engine.Snapshot().Ready }, "engine never became ready")

	first := engine.Snapshot()
	if !first.State.Led1 || first.State.Led2 || !first.State.Led3 || !first.State.Motor {
		t.Fatalf("mirror does not match server state: %+v", first.State)
	}

	// Several more polls with unchanged remote state.
	stateCalls, _, _, _, _ := fake.counts()
	waitFor(t, func() bool {
		n, _, _, _, _ := fake.counts()
		return n >= stateCalls+3
	}, "polling stalled")

	second := engine.Snapshot()
	if second.State != first.State {
		t.Fatalf("mirror changed across idempotent polls: %+v vs %+v", first.State, second.State)
	}
	if second.ConnectionError {
		t.Fatal("connectivity flag set by successful polls")
	}
}

func TestSingleFlightWrite(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	fake.writeGate = make(chan struct{})
	fake.writeStarted = make(chan struct{}, 4)

	if !engine.ToggleLED(1, true) {
		t.Fatal("first toggle rejected")
	}
	<-fake.writeStarted

	if engine.ToggleLED(2, true) {
		t.Fatal("second toggle accepted while a write was in flight")
	}

	close(fake.writeGate)
	waitFor(t, func() bool { return !engine.Updating() }, "busy flag never cleared")

	_, _, _, writes, _ := fake.counts()
	if writes != 1 {
		t.Fatalf("expected exactly 1 write, got %d", writes)
	}
	if engine.Snapshot().State.Led2 {
		t.Fatal("rejected toggle mutated the mirror")
	}
}

func TestOptimisticVisibility(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	fake.writeGate = make(chan struct{})
	fake.writeStarted = make(chan struct{}, 1)

	if !engine.ToggleLED(1, true) {
		t.Fatal("toggle rejected")
	}

	// The mirror reflects the toggle before the write resolves.
	if !engine.Snapshot().State.Led1 {
		t.Fatal("mirror not updated optimistically")
	}

	<-fake.writeStarted
	close(fake.writeGate)
	waitFor(t, func() bool { return !engine.Updating() }, "busy flag never cleared")
}

func TestHistoryCausality(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	if !engine.ToggleLED(1, true) {
		t.Fatal("toggle rejected")
	}
	waitFor(t, func() bool {
		_, _, history, _, appends := fake.counts()
		return appends == 1 && history == 1
	}, "expected exactly one history append and one re-fetch")

	fake.mu.Lock()
	action := fake.appended[0]
	fake.mu.Unlock()
	if action != "Encendido LED 1" {
		t.Fatalf("wrong action recorded: %q", action)
	}

	if entries := engine.History(); len(entries) != 1 || entries[0].Action != "Encendido LED 1" {
		t.Fatalf("history mirror not refreshed from server: %+v", entries)
	}
}

func TestWriteCarriesCompleteState(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	fake.mu.Lock()
	fake.estados = models.Estados{EstadoLed2: true, EstadoSensor: true}
	fake.obstacle = true
	fake.mu.Unlock()

	// Seed the mirror from "server truth" without starting tickers.
	engine.refreshState(auth.Token())
	engine.refreshObstacle(auth.Token())

	if !engine.ToggleLED(1, true) {
		t.Fatal("toggle rejected")
	}
	waitFor(t, func() bool { return !engine.Updating() }, "busy flag never cleared")

	fake.mu.Lock()
	written := fake.lastWrite
	fake.mu.Unlock()

	want := models.DeviceState{Led1: true, Led2: true, Motor: true, ObstacleDetected: true}
	if written != want {
		t.Fatalf("write did not carry full state: got %+v want %+v", written, want)
	}
}

func TestWriteFailureSetsFlagWithoutRollback(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	fake.mu.Lock()
	fake.writeFail = models.NewApplicationFailure("boom")
	fake.mu.Unlock()

	if !engine.ToggleLED(1, true) {
		t.Fatal("toggle rejected")
	}
	waitFor(t, func() bool { return !engine.Updating() }, "busy flag never cleared")

	snap := engine.Snapshot()
	if !snap.ConnectionError {
		t.Fatal("connectivity flag not raised by failed write")
	}
	if !snap.State.Led1 {
		t.Fatal("optimistic value rolled back on failure")
	}

	_, _, _, _, appends := fake.counts()
	if appends != 0 {
		t.Fatal("history appended despite failed write")
	}
}

func TestWriteFailureDoesNotStopPolling(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 10*time.Millisecond)
	login(t, auth)

	fake.mu.Lock()
	fake.writeFail = models.NewConnectivityFailure("no response")
	fake.mu.Unlock()

	engine.Start()
	waitFor(t, func() bool { return engine.Snapshot().Ready }, "engine never became ready")

	if !engine.ToggleMotor(true) {
		t.Fatal("toggle rejected")
	}
	waitFor(t, func() bool { return !engine.Updating() }, "busy flag never cleared")

	before, _, _, _, _ := fake.counts()
	waitFor(t, func() bool {
		n, _, _, _, _ := fake.counts()
		return n >= before+3
	}, "polling stopped after a failed write")
}

func TestSessionGating(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 10*time.Millisecond)

	if auth.IsAuthenticated() {
		t.Fatal("authenticated with no persisted session")
	}
	if engine.ToggleLED(1, true) {
		t.Fatal("toggle accepted while logged out")
	}

	engine.Start()
	time.Sleep(50 * time.Millisecond)

	state, obstacle, history, writes, appends := fake.counts()
	if state+obstacle+history+writes+appends != 0 {
		t.Fatalf("network calls made while logged out: %d %d %d %d %d",
			state, obstacle, history, writes, appends)
	}
}

func TestLogoutTeardown(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 10*time.Millisecond)
	login(t, auth)

	engine.Start()
	waitFor(t, func() bool {
		n, _, _, _, _ := fake.counts()
		return n >= 2
	}, "polling never started")

	engine.Stop()
	auth.Logout()

	// Let any already-dispatched tick settle, then verify silence.
	time.Sleep(30 * time.Millisecond)
	state, obstacle, _, _, _ := fake.counts()
	time.Sleep(60 * time.Millisecond)
	stateAfter, obstacleAfter, _, _, _ := fake.counts()

	if stateAfter != state || obstacleAfter != obstacle {
		t.Fatalf("polls observed after teardown: estados %d->%d obstaculo %d->%d",
			state, stateAfter, obstacle, obstacleAfter)
	}
}

func TestLogoutAloneDisarmsTimers(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 10*time.Millisecond)
	login(t, auth)

	engine.Start()
	waitFor(t, func() bool {
		n, _, _, _, _ := fake.counts()
		return n >= 2
	}, "polling never started")

	// Logout without an explicit Stop: the next tick boundary disarms.
	auth.Logout()

	time.Sleep(30 * time.Millisecond)
	state, _, _, _, _ := fake.counts()
	time.Sleep(60 * time.Millisecond)
	stateAfter, _, _, _, _ := fake.counts()

	if stateAfter != state {
		t.Fatalf("polls continued after logout: %d -> %d", state, stateAfter)
	}
}

func TestRestartDoesNotDuplicateTimers(t *testing.T) {
	engine, fake, auth := newTestEngine(t, 50*time.Millisecond)
	login(t, auth)

	engine.Start()
	engine.Start() // no-op while running

	time.Sleep(130 * time.Millisecond)
	state, _, _, _, _ := fake.counts()
	// One initial load plus two ticks; a duplicated ticker would roughly
	// double this.
	if state > 4 {
		t.Fatalf("too many state polls for a single timer: %d", state)
	}

	engine.Stop()
	engine.Stop() // idempotent

	engine.Start()
	waitFor(t, func() bool {
		n, _, _, _, _ := fake.counts()
		return n > state
	}, "engine did not poll again after restart")
}

func TestObstacleTransitionsNotifyListener(t *testing.T) {
	engine, fake, auth := newTestEngine(t, time.Hour)
	login(t, auth)

	listener := &fakeListener{}
	engine.AttachAlerts(listener)

	fake.mu.Lock()
	fake.obstacle = true
	fake.mu.Unlock()
	engine.refreshObstacle(auth.Token())

	// Unchanged reading: no second notification.
	engine.refreshObstacle(auth.Token())

	// Pushed reading clears the flag.
	engine.SetObstacle(false)

	listener.mu.Lock()
	transitions := append([]bool(nil), listener.transitions...)
	listener.mu.Unlock()

	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	if engine.Snapshot().State.ObstacleDetected {
		t.Fatal("pushed reading not applied to mirror")
	}
}
