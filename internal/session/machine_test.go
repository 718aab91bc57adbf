package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/user"
)

// fakeSessionRepo implements Repository with an in-memory single session,
// which is all the timeout path touches.
type fakeSessionRepo struct {
	session *Session
	getErr  error

	markCalls []markCall
	markErr   error

	reconciled []string
}

type markCall struct {
	id             uuid.UUID
	message        string
	alertSent      bool
	alertDelivered bool
	alertError     string
}

func (f *fakeSessionRepo) GetByClientID(_ context.Context, clientID uuid.UUID) (*Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.session == nil || f.session.WSClientID != clientID {
		return nil, ErrNotFound
	}
	s := *f.session
	return &s, nil
}

func (f *fakeSessionRepo) MarkTimeout(_ context.Context, id uuid.UUID, message string, alertSent, alertDelivered bool, alertError string) error {
	f.markCalls = append(f.markCalls, markCall{id, message, alertSent, alertDelivered, alertError})
	return f.markErr
}

func (f *fakeSessionRepo) TouchHeartbeat(_ context.Context, clientID uuid.UUID) error {
	if f.session == nil || f.session.WSClientID != clientID {
		return ErrNotFound
	}
	f.session.LastHeartbeatAt = time.Now()
	return nil
}

func (f *fakeSessionRepo) DisconnectAllActive(_ context.Context, reason, message string) (int64, error) {
	f.reconciled = append(f.reconciled, reason+"|"+message)
	return 1, nil
}

// Unused interface methods required by Repository.
func (f *fakeSessionRepo) Upsert(context.Context, CreateParams) (*Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) GetByID(context.Context, uuid.UUID) (*Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) ListActiveByUser(context.Context, uuid.UUID) ([]Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) ListByUser(context.Context, uuid.UUID, int) ([]Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) SetCurrentStatus(context.Context, uuid.UUID, string) error {
	panic("not implemented")
}
func (f *fakeSessionRepo) Disconnect(context.Context, uuid.UUID, string, string) (*Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) DisconnectByClientID(context.Context, uuid.UUID, string, string) (*Session, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) DisconnectAllForUser(context.Context, uuid.UUID, string, string) (int64, error) {
	panic("not implemented")
}
func (f *fakeSessionRepo) DisconnectAllForHub(context.Context, uuid.UUID, string, string) (int64, error) {
	panic("not implemented")
}

// fakeUserRepo serves GetByID from a map.
type fakeUserRepo struct {
	users  map[uuid.UUID]*user.User
	getErr error
}

func (f *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

// Unused interface methods required by user.Repository.
func (f *fakeUserRepo) Create(context.Context, user.CreateParams) (uuid.UUID, error) {
	panic("not implemented")
}
func (f *fakeUserRepo) GetByEmail(context.Context, string) (*user.Credentials, error) {
	panic("not implemented")
}
func (f *fakeUserRepo) GetByTokenHash(context.Context, string) (*user.User, error) {
	panic("not implemented")
}
func (f *fakeUserRepo) UpdateSettings(context.Context, uuid.UUID, user.SettingsParams) (*user.User, error) {
	panic("not implemented")
}
func (f *fakeUserRepo) RotateToken(context.Context, uuid.UUID, string, string) error {
	panic("not implemented")
}
func (f *fakeUserRepo) UpdatePasswordHash(context.Context, uuid.UUID, string) error {
	panic("not implemented")
}
func (f *fakeUserRepo) SetStatus(context.Context, uuid.UUID, string) error {
	panic("not implemented")
}
func (f *fakeUserRepo) Delete(context.Context, uuid.UUID) error { panic("not implemented") }
func (f *fakeUserRepo) RecordLoginAttempt(context.Context, string, string, bool) error {
	panic("not implemented")
}
func (f *fakeUserRepo) DeleteLoginAttemptsBefore(context.Context, time.Time) (int64, error) {
	panic("not implemented")
}

type fakePusher struct {
	payloads []push.CriticalPayload
	result   push.Result
	err      error
}

func (f *fakePusher) SendCritical(_ context.Context, _ uuid.UUID, payload push.CriticalPayload) (push.Result, error) {
	f.payloads = append(f.payloads, payload)
	return f.result, f.err
}

type fakeAlertStarter struct {
	calls []string
}

func (f *fakeAlertStarter) Start(_ context.Context, userID, sessionID uuid.UUID, reason, gameName string) error {
	f.calls = append(f.calls, userID.String()+"|"+sessionID.String()+"|"+reason+"|"+gameName)
	return nil
}

type fakeLogSink struct {
	entries []string
}

func (f *fakeLogSink) Append(_ context.Context, _, _ uuid.UUID, level, message string) error {
	f.entries = append(f.entries, level+"|"+message)
	return nil
}

type machineFixture struct {
	machine  *Machine
	sessions *fakeSessionRepo
	users    *fakeUserRepo
	pusher   *fakePusher
	alerts   *fakeAlertStarter
	logs     *fakeLogSink
}

func newMachineFixture(s *Session, u *user.User) *machineFixture {
	sessions := &fakeSessionRepo{session: s}
	users := &fakeUserRepo{users: map[uuid.UUID]*user.User{}}
	if u != nil {
		users.users[u.ID] = u
	}
	pusher := &fakePusher{result: push.Result{Success: true, TotalDevices: 1, SuccessCount: 1}}
	alerts := &fakeAlertStarter{}
	logs := &fakeLogSink{}

	return &machineFixture{
		machine:  NewMachine(sessions, users, pusher, alerts, logs, zerolog.Nop()),
		sessions: sessions,
		users:    users,
		pusher:   pusher,
		alerts:   alerts,
		logs:     logs,
	}
}

func activeSession(userID uuid.UUID) *Session {
	return &Session{
		ID:            uuid.New(),
		WSClientID:    uuid.New(),
		UserID:        userID,
		HubID:         uuid.New(),
		GameName:      "Grow a Garden",
		HubName:       "ScriptHub",
		CurrentStatus: "Farming",
		Status:        StatusActive,
	}
}

// quietWindowAround returns HH:MM strings bracketing the given instant in the
// user's local clock, so the window is active no matter when the test runs.
func quietWindowAround(at time.Time, offsetMinutes int) (string, string) {
	local := at.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return local.Add(-5 * time.Minute).Format("15:04"), local.Add(5 * time.Minute).Format("15:04")
}

func TestTimeoutFiresCriticalAlert(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	fx := newMachineFixture(s, &user.User{ID: userID, AlertSound: "siren"})

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if res == nil || !res.AlertSent || !res.Delivered {
		t.Fatalf("Timeout() = %+v, want alert sent and delivered", res)
	}

	if len(fx.pusher.payloads) != 1 {
		t.Fatalf("pushed %d times, want 1", len(fx.pusher.payloads))
	}
	p := fx.pusher.payloads[0]
	if p.SessionID != s.ID || p.GameName != "Grow a Garden" || p.HubName != "ScriptHub" {
		t.Errorf("payload = %+v, want session identity carried through", p)
	}
	if p.LastStatus != "Farming" {
		t.Errorf("payload.LastStatus = %q, want last reported status", p.LastStatus)
	}
	if p.AlertSound != "siren" {
		t.Errorf("payload.AlertSound = %q, want user preference", p.AlertSound)
	}

	if len(fx.sessions.markCalls) != 1 {
		t.Fatalf("MarkTimeout called %d times, want 1", len(fx.sessions.markCalls))
	}
	mc := fx.sessions.markCalls[0]
	if !mc.alertSent || !mc.alertDelivered || mc.alertError != "" {
		t.Errorf("recorded outcome = %+v, want sent and delivered with no error", mc)
	}
	if mc.message != "Heartbeat timeout" {
		t.Errorf("disconnect message = %q", mc.message)
	}

	if len(fx.logs.entries) != 1 || fx.logs.entries[0] != "error|Session timed out - no heartbeat received" {
		t.Errorf("log entries = %v, want one error-level timeout entry", fx.logs.entries)
	}
	if len(fx.alerts.calls) != 0 {
		t.Errorf("alert loop started without life-or-death mode: %v", fx.alerts.calls)
	}
}

func TestTimeoutQuietHoursSuppressesAlert(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	start, end := quietWindowAround(time.Now(), 120)
	fx := newMachineFixture(s, &user.User{
		ID:                userID,
		QuietHoursEnabled: true,
		QuietHoursStart:   start,
		QuietHoursEnd:     end,
		UTCOffsetMinutes:  120,
		LifeOrDeathMode:   true,
	})

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if res == nil || res.AlertSent || res.Reason != SuppressedQuietHours {
		t.Fatalf("Timeout() = %+v, want suppressed with reason %s", res, SuppressedQuietHours)
	}

	if len(fx.pusher.payloads) != 0 {
		t.Error("push fan-out invoked during quiet hours")
	}
	if len(fx.alerts.calls) != 0 {
		t.Error("alert loop started during quiet hours")
	}

	if len(fx.sessions.markCalls) != 1 {
		t.Fatalf("MarkTimeout called %d times, want 1", len(fx.sessions.markCalls))
	}
	mc := fx.sessions.markCalls[0]
	if mc.alertSent || mc.alertDelivered {
		t.Errorf("recorded outcome = %+v, want alertSent=false", mc)
	}
	if mc.message != "Heartbeat timeout (quiet hours - no alert)" {
		t.Errorf("disconnect message = %q", mc.message)
	}

	// The transition and the log record are not suppressed, only delivery.
	if len(fx.logs.entries) != 1 {
		t.Errorf("log entries = %v, want the timeout still logged", fx.logs.entries)
	}
}

func TestTimeoutLifeOrDeathStartsLoop(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	fx := newMachineFixture(s, &user.User{ID: userID, LifeOrDeathMode: true})

	if _, err := fx.machine.Timeout(context.Background(), s.WSClientID); err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}

	if len(fx.alerts.calls) != 1 {
		t.Fatalf("alert loop started %d times, want 1", len(fx.alerts.calls))
	}
	want := userID.String() + "|" + s.ID.String() + "|Session timed out - no heartbeat received|Grow a Garden"
	if fx.alerts.calls[0] != want {
		t.Errorf("alert loop call = %q, want %q", fx.alerts.calls[0], want)
	}
}

func TestTimeoutUnknownClientIsNoOp(t *testing.T) {
	t.Parallel()

	fx := newMachineFixture(nil, nil)

	res, err := fx.machine.Timeout(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if res != nil {
		t.Fatalf("Timeout() = %+v, want nil for unknown client", res)
	}
	if len(fx.pusher.payloads) != 0 || len(fx.sessions.markCalls) != 0 {
		t.Error("timeout side effects ran for an unknown client")
	}
}

func TestTimeoutTerminatedSessionIsNoOp(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	s.Status = StatusDisconnected
	fx := newMachineFixture(s, &user.User{ID: userID})

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if res != nil {
		t.Fatalf("Timeout() = %+v, want nil for a terminated session", res)
	}
	if len(fx.sessions.markCalls) != 0 {
		t.Error("MarkTimeout called on a terminated session")
	}
}

func TestTimeoutPushesEvenWhenUserLoadFails(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	fx := newMachineFixture(s, nil)
	fx.users.getErr = errors.New("connection refused")

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if res == nil || !res.AlertSent {
		t.Fatalf("Timeout() = %+v, want alert sent despite preference load failure", res)
	}
	if len(fx.pusher.payloads) != 1 {
		t.Fatal("push not attempted when user preferences were unavailable")
	}
}

func TestTimeoutRecordsPushFailure(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	fx := newMachineFixture(s, &user.User{ID: userID})
	fx.pusher.result = push.Result{}
	fx.pusher.err = errors.New("fcm send: UNAVAILABLE")

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err != nil {
		t.Fatalf("Timeout() error = %v", err)
	}
	if !res.AlertSent || res.Delivered {
		t.Fatalf("Timeout() = %+v, want sent but not delivered", res)
	}

	mc := fx.sessions.markCalls[0]
	if !mc.alertSent || mc.alertDelivered {
		t.Errorf("recorded outcome = %+v, want sent without delivery", mc)
	}
	if mc.alertError != "fcm send: UNAVAILABLE" {
		t.Errorf("alertError = %q, want the serialized push error", mc.alertError)
	}
}

func TestTimeoutSurvivesMarkFailure(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	s := activeSession(userID)
	fx := newMachineFixture(s, &user.User{ID: userID})
	fx.sessions.markErr = errors.New("write: broken pipe")

	res, err := fx.machine.Timeout(context.Background(), s.WSClientID)
	if err == nil {
		t.Fatal("Timeout() error = nil, want the store failure surfaced")
	}
	if res == nil || !res.AlertSent {
		t.Fatalf("Timeout() = %+v, want the alert outcome preserved alongside the error", res)
	}
	if len(fx.pusher.payloads) != 1 {
		t.Error("push skipped because of a store failure")
	}
}

func TestHeartbeatUnknownClientIsNoOp(t *testing.T) {
	t.Parallel()

	fx := newMachineFixture(nil, nil)
	if err := fx.machine.Heartbeat(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Heartbeat() error = %v, want nil for unknown client", err)
	}
}

func TestReconcileSweepsActiveSessions(t *testing.T) {
	t.Parallel()

	fx := newMachineFixture(nil, nil)
	n, err := fx.machine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Reconcile() = %d, want 1", n)
	}
	if len(fx.sessions.reconciled) != 1 || fx.sessions.reconciled[0] != "server-shutdown|Server restarted" {
		t.Errorf("reconcile call = %v, want server-shutdown sweep", fx.sessions.reconciled)
	}
}
