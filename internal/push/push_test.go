package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
)

// fakeDeviceRepo implements the subset of device.Repository exercised by the
// fan-out: device resolution and failure bookkeeping.
type fakeDeviceRepo struct {
	mu        sync.Mutex
	devices   []device.Device
	failures  map[uuid.UUID]string
	successes map[uuid.UUID]int
}

func newFakeDeviceRepo(devices ...device.Device) *fakeDeviceRepo {
	return &fakeDeviceRepo{
		devices:   devices,
		failures:  make(map[uuid.UUID]string),
		successes: make(map[uuid.UUID]int),
	}
}

func (f *fakeDeviceRepo) ListActiveByUser(_ context.Context, userID uuid.UUID) ([]device.Device, error) {
	var out []device.Device
	for _, d := range f.devices {
		if d.UserID == userID && d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeviceRepo) ListActiveByUserAndPlatform(_ context.Context, userID uuid.UUID, platform string) ([]device.Device, error) {
	var out []device.Device
	for _, d := range f.devices {
		if d.UserID == userID && d.Active && d.Platform == platform {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeviceRepo) RecordFailure(_ context.Context, id uuid.UUID, reason string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = reason
	return false, nil
}

func (f *fakeDeviceRepo) RecordSuccess(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[id]++
	return nil
}

// Unused interface methods required by device.Repository.
func (f *fakeDeviceRepo) Upsert(context.Context, device.UpsertParams) (*device.Device, error) {
	panic("not implemented")
}
func (f *fakeDeviceRepo) GetByID(context.Context, uuid.UUID) (*device.Device, error) {
	panic("not implemented")
}
func (f *fakeDeviceRepo) ListByUser(context.Context, uuid.UUID) ([]device.Device, error) {
	panic("not implemented")
}
func (f *fakeDeviceRepo) Delete(context.Context, uuid.UUID, uuid.UUID) error {
	panic("not implemented")
}

// fakeSender fails tokens listed in failTokens and records every call.
type fakeSender struct {
	mu         sync.Mutex
	failTokens map[string]error
	sent       []Message
	tokens     []string
}

func (f *fakeSender) Send(_ context.Context, token, _ string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.tokens = append(f.tokens, token)
	if err, ok := f.failTokens[token]; ok {
		return err
	}
	return nil
}

func TestSendCriticalAggregatesOutcomes(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	good1 := device.Device{ID: uuid.New(), UserID: userID, PushToken: "tok-1", Platform: device.PlatformAndroid, Active: true}
	bad := device.Device{ID: uuid.New(), UserID: userID, PushToken: "tok-2", Platform: device.PlatformIOS, Active: true}
	good2 := device.Device{ID: uuid.New(), UserID: userID, PushToken: "tok-3", Platform: device.PlatformWeb, Active: true}
	inactive := device.Device{ID: uuid.New(), UserID: userID, PushToken: "tok-4", Platform: device.PlatformWeb, Active: false}

	repo := newFakeDeviceRepo(good1, bad, good2, inactive)
	sender := &fakeSender{failTokens: map[string]error{"tok-2": errors.New("UNREGISTERED")}}
	svc := NewService(repo, sender, 3, zerolog.Nop())

	res, err := svc.SendCritical(context.Background(), userID, CriticalPayload{
		SessionID: uuid.New(),
		GameName:  "G",
		Reason:    "Session timed out",
	})
	if err != nil {
		t.Fatalf("SendCritical() error = %v", err)
	}

	if res.TotalDevices != 3 {
		t.Errorf("TotalDevices = %d, want 3 (inactive device excluded)", res.TotalDevices)
	}
	if res.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", res.SuccessCount)
	}
	if !res.Success {
		t.Error("Success = false, want true when at least one device accepted")
	}
	if res.FirstError() != "UNREGISTERED" {
		t.Errorf("FirstError() = %q, want %q", res.FirstError(), "UNREGISTERED")
	}

	if got := repo.failures[bad.ID]; got != "UNREGISTERED" {
		t.Errorf("failure recorded for bad device = %q, want %q", got, "UNREGISTERED")
	}
	if repo.successes[good1.ID] != 1 || repo.successes[good2.ID] != 1 {
		t.Errorf("successes = %v, want one per good device", repo.successes)
	}
	if _, recorded := repo.failures[good1.ID]; recorded {
		t.Error("failure recorded for a device whose send succeeded")
	}
}

func TestSendCriticalNoDevices(t *testing.T) {
	t.Parallel()

	repo := newFakeDeviceRepo()
	svc := NewService(repo, &fakeSender{}, 3, zerolog.Nop())

	res, err := svc.SendCritical(context.Background(), uuid.New(), CriticalPayload{Reason: "r"})
	if err != nil {
		t.Fatalf("SendCritical() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true with zero devices, want false")
	}
	if res.TotalDevices != 0 || res.SuccessCount != 0 {
		t.Errorf("got %d/%d devices, want 0/0", res.SuccessCount, res.TotalDevices)
	}
}

func TestSendCriticalToPlatformFilters(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	web := device.Device{ID: uuid.New(), UserID: userID, PushToken: "web-tok", Platform: device.PlatformWeb, Active: true}
	android := device.Device{ID: uuid.New(), UserID: userID, PushToken: "droid-tok", Platform: device.PlatformAndroid, Active: true}

	repo := newFakeDeviceRepo(web, android)
	sender := &fakeSender{}
	svc := NewService(repo, sender, 3, zerolog.Nop())

	res, err := svc.SendCriticalToPlatform(context.Background(), userID, device.PlatformWeb, CriticalPayload{Reason: "r"})
	if err != nil {
		t.Fatalf("SendCriticalToPlatform() error = %v", err)
	}
	if res.TotalDevices != 1 {
		t.Fatalf("TotalDevices = %d, want 1", res.TotalDevices)
	}
	if len(sender.tokens) != 1 || sender.tokens[0] != "web-tok" {
		t.Errorf("sender received tokens %v, want only web-tok", sender.tokens)
	}
}

func TestCriticalMessageShape(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	msg := criticalMessage(CriticalPayload{
		SessionID:  sessionID,
		GameName:   "Grow a Garden",
		HubName:    "ScriptHub",
		Reason:     "no heartbeat",
		LastStatus: "Farming",
		AlertSound: "siren",
	})

	if msg.Title != "🚨 CRITICAL ALERT" {
		t.Errorf("default title = %q", msg.Title)
	}
	if msg.Body != "no heartbeat" {
		t.Errorf("body = %q, want the reason", msg.Body)
	}
	if !msg.Critical {
		t.Error("Critical = false")
	}
	if msg.Sound != "siren" {
		t.Errorf("sound = %q, want %q", msg.Sound, "siren")
	}
	for _, key := range []string{"type", "sessionId", "gameName", "hubName", "reason", "lastStatus"} {
		if _, ok := msg.Data[key]; !ok {
			t.Errorf("data missing key %q", key)
		}
	}
	if msg.Data["sessionId"] != sessionID.String() {
		t.Errorf("data sessionId = %q, want %q", msg.Data["sessionId"], sessionID)
	}

	custom := criticalMessage(CriticalPayload{Title: "🚨 ALERT 2/30: no heartbeat", Reason: "no heartbeat"})
	if custom.Title != "🚨 ALERT 2/30: no heartbeat" {
		t.Errorf("custom title not preserved: %q", custom.Title)
	}
}

func TestNotificationMessageNormalPriority(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	d := device.Device{ID: uuid.New(), UserID: userID, PushToken: "tok", Platform: device.PlatformAndroid, Active: true}
	repo := newFakeDeviceRepo(d)
	sender := &fakeSender{}
	svc := NewService(repo, sender, 3, zerolog.Nop())

	_, err := svc.SendNotification(context.Background(), userID, NotificationPayload{
		SessionID: uuid.New(),
		Title:     "Harvest done",
		Body:      "All crops collected",
	})
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if sender.sent[0].Critical {
		t.Error("notification sent as critical, want normal priority")
	}
	if sender.sent[0].Data["type"] != "notification" {
		t.Errorf("data type = %q, want notification", sender.sent[0].Data["type"])
	}
}

func TestNopSenderAccepts(t *testing.T) {
	t.Parallel()

	s := NewNopSender(zerolog.Nop())
	if err := s.Send(context.Background(), "any-token", device.PlatformWeb, Message{Title: "t"}); err != nil {
		t.Fatalf("NopSender.Send() error = %v", err)
	}
}
