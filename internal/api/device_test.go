package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/protocol"
)

// fakeDeviceRepo implements device.Repository for handler tests.
type fakeDeviceRepo struct {
	devices map[uuid.UUID]*device.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[uuid.UUID]*device.Device)}
}

func (r *fakeDeviceRepo) Upsert(_ context.Context, params device.UpsertParams) (*device.Device, error) {
	for _, d := range r.devices {
		if d.PushToken == params.PushToken {
			d.UserID = params.UserID
			d.Platform = params.Platform
			d.Name = params.Name
			d.Active = true
			d.FailedAttempts = 0
			d.LastSeenAt = time.Now().UTC()
			cpy := *d
			return &cpy, nil
		}
	}
	d := &device.Device{
		ID:         uuid.New(),
		UserID:     params.UserID,
		PushToken:  params.PushToken,
		Platform:   params.Platform,
		Name:       params.Name,
		Active:     true,
		LastSeenAt: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	r.devices[d.ID] = d
	cpy := *d
	return &cpy, nil
}

func (r *fakeDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*device.Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	cpy := *d
	return &cpy, nil
}

func (r *fakeDeviceRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]device.Device, error) {
	var out []device.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *fakeDeviceRepo) ListActiveByUser(context.Context, uuid.UUID) ([]device.Device, error) {
	panic("not implemented")
}

func (r *fakeDeviceRepo) ListActiveByUserAndPlatform(context.Context, uuid.UUID, string) ([]device.Device, error) {
	panic("not implemented")
}

func (r *fakeDeviceRepo) RecordFailure(context.Context, uuid.UUID, string, int) (bool, error) {
	panic("not implemented")
}

func (r *fakeDeviceRepo) RecordSuccess(context.Context, uuid.UUID) error {
	panic("not implemented")
}

func (r *fakeDeviceRepo) Delete(_ context.Context, id, userID uuid.UUID) error {
	d, ok := r.devices[id]
	if !ok || d.UserID != userID {
		return device.ErrNotFound
	}
	delete(r.devices, id)
	return nil
}

func testDeviceApp(t *testing.T) (*fiber.App, *fakeDeviceRepo, uuid.UUID) {
	t.Helper()
	repo := newFakeDeviceRepo()
	userID := uuid.New()
	handler := NewDeviceHandler(repo, zerolog.Nop())

	app := fiber.New()
	app.Use(withUser(userID))
	app.Post("/devices", handler.Register)
	app.Get("/devices", handler.List)
	app.Delete("/devices/:id", handler.Delete)

	return app, repo, userID
}

func TestRegisterDevice_Success(t *testing.T) {
	t.Parallel()
	app, repo, userID := testDeviceApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/devices",
		`{"pushToken":"fcm-token-1","platform":"android","name":"Pixel 9"}`))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusCreated)
	env := parseSuccess(t, body)
	var d deviceResponse
	if err := json.Unmarshal(env.Data, &d); err != nil {
		t.Fatalf("unmarshal device response: %v", err)
	}
	if d.Platform != device.PlatformAndroid || d.Name != "Pixel 9" || !d.Active {
		t.Errorf("device = %+v", d)
	}

	// The push token never appears in responses.
	if strings.Contains(string(body), "fcm-token-1") {
		t.Errorf("response leaks push token: %s", body)
	}

	stored, err := repo.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.UserID != userID {
		t.Errorf("owner = %s, want %s", stored.UserID, userID)
	}
}

func TestRegisterDevice_ValidationErrors(t *testing.T) {
	t.Parallel()
	app, _, _ := testDeviceApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing token", `{"platform":"android"}`},
		{"bad platform", `{"pushToken":"tok","platform":"windows"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPost, "/devices", tt.body))
			body := readBody(t, resp)

			requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
		})
	}
}

func TestRegisterDevice_TransfersOwnership(t *testing.T) {
	t.Parallel()
	app, repo, userID := testDeviceApp(t)

	// Same push token already registered to another account.
	prior, err := repo.Upsert(context.Background(), device.UpsertParams{
		UserID:    uuid.New(),
		PushToken: "fcm-token-1",
		Platform:  device.PlatformAndroid,
		Name:      "Old phone",
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	repo.devices[prior.ID].FailedAttempts = 4

	resp := doReq(t, app, jsonReq(http.MethodPost, "/devices",
		`{"pushToken":"fcm-token-1","platform":"android","name":"Pixel 9"}`))
	readBody(t, resp)
	requireStatus(t, resp, fiber.StatusCreated)

	stored, err := repo.GetByID(context.Background(), prior.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.UserID != userID {
		t.Errorf("owner = %s, want %s", stored.UserID, userID)
	}
	if stored.FailedAttempts != 0 {
		t.Errorf("failedAttempts = %d, want 0", stored.FailedAttempts)
	}
}

func TestListDevices_OnlyOwn(t *testing.T) {
	t.Parallel()
	app, repo, userID := testDeviceApp(t)

	_, _ = repo.Upsert(context.Background(), device.UpsertParams{
		UserID: userID, PushToken: "tok-1", Platform: device.PlatformAndroid, Name: "Pixel",
	})
	_, _ = repo.Upsert(context.Background(), device.UpsertParams{
		UserID: uuid.New(), PushToken: "tok-2", Platform: device.PlatformIOS, Name: "iPhone",
	})

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/devices", nil))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var list []deviceResponse
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("unmarshal device list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Pixel" {
		t.Errorf("list = %+v, want only Pixel", list)
	}
}

func TestDeleteDevice_Success(t *testing.T) {
	t.Parallel()
	app, repo, userID := testDeviceApp(t)
	d, _ := repo.Upsert(context.Background(), device.UpsertParams{
		UserID: userID, PushToken: "tok-1", Platform: device.PlatformAndroid,
	})

	resp := doReq(t, app, httptest.NewRequest(http.MethodDelete, "/devices/"+d.ID.String(), nil))
	readBody(t, resp)
	requireStatus(t, resp, fiber.StatusNoContent)

	if _, err := repo.GetByID(context.Background(), d.ID); err == nil {
		t.Error("device still present after delete")
	}
}

func TestDeleteDevice_NotOwned(t *testing.T) {
	t.Parallel()
	app, repo, _ := testDeviceApp(t)
	other, _ := repo.Upsert(context.Background(), device.UpsertParams{
		UserID: uuid.New(), PushToken: "tok-1", Platform: device.PlatformAndroid,
	})

	resp := doReq(t, app, httptest.NewRequest(http.MethodDelete, "/devices/"+other.ID.String(), nil))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusNotFound, protocol.CodeNotFound)
}

func TestDeleteDevice_BadID(t *testing.T) {
	t.Parallel()
	app, _, _ := testDeviceApp(t)

	resp := doReq(t, app, httptest.NewRequest(http.MethodDelete, "/devices/nope", nil))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
}
