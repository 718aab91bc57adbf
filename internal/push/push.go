// Package push resolves a user's registered devices and fans a notification
// out to all of them in parallel. Delivery is best-effort: each device gets
// an independent send, per-device outcomes are surfaced to the caller, and
// nothing is retried. Consecutive failures are counted against the device and
// deactivate it at the configured threshold.
package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
)

// Message is the transport-level notification handed to a Sender for one
// device. Critical messages carry platform-specific high-priority flags.
type Message struct {
	Title    string
	Body     string
	Data     map[string]string
	Critical bool
	Sound    string
}

// CriticalPayload describes a dead-man's-switch alert. The session state
// machine builds one on timeout; the alert loop re-sends it on each tick with
// a numbered reason prefix.
type CriticalPayload struct {
	SessionID  uuid.UUID
	GameName   string
	HubName    string
	Reason     string
	LastStatus string
	AlertSound string
	Title      string
}

// NotificationPayload is a producer-initiated normal-priority notification.
type NotificationPayload struct {
	SessionID uuid.UUID
	Title     string
	Body      string
}

// DeviceResult is the outcome of one device's send.
type DeviceResult struct {
	DeviceID uuid.UUID
	Platform string
	OK       bool
	Error    string
}

// Result aggregates a fan-out. Success means at least one device accepted
// the message.
type Result struct {
	Success      bool
	TotalDevices int
	SuccessCount int
	Devices      []DeviceResult
}

// FirstError returns the first per-device error message, or "" when every
// send succeeded. Used to serialise the outcome into the session record.
func (r Result) FirstError() string {
	for _, d := range r.Devices {
		if !d.OK {
			return d.Error
		}
	}
	return ""
}

// Sender delivers one message to one device token. Implementations are the
// FCM HTTP v1 client and a no-op used when push is not configured.
type Sender interface {
	Send(ctx context.Context, token, platform string, msg Message) error
}

// Service is the push fan-out. It owns device resolution and failure
// bookkeeping; the Sender owns the wire.
type Service struct {
	devices          device.Repository
	sender           Sender
	failureThreshold int
	log              zerolog.Logger
}

// NewService creates the fan-out service. failureThreshold is the number of
// consecutive send failures after which a device is deactivated.
func NewService(devices device.Repository, sender Sender, failureThreshold int, logger zerolog.Logger) *Service {
	return &Service{
		devices:          devices,
		sender:           sender,
		failureThreshold: failureThreshold,
		log:              logger.With().Str("component", "push").Logger(),
	}
}

// SendCritical delivers a critical alert to every active device the user has.
func (s *Service) SendCritical(ctx context.Context, userID uuid.UUID, payload CriticalPayload) (Result, error) {
	devices, err := s.devices.ListActiveByUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve devices: %w", err)
	}
	return s.fanOut(ctx, devices, criticalMessage(payload)), nil
}

// SendCriticalToPlatform delivers a critical alert to the user's active
// devices on a single platform. The alert loop targets web devices only;
// mobile platforms run their own native alarm off the first delivery.
func (s *Service) SendCriticalToPlatform(ctx context.Context, userID uuid.UUID, platform string, payload CriticalPayload) (Result, error) {
	devices, err := s.devices.ListActiveByUserAndPlatform(ctx, userID, platform)
	if err != nil {
		return Result{}, fmt.Errorf("resolve devices: %w", err)
	}
	return s.fanOut(ctx, devices, criticalMessage(payload)), nil
}

// SendNotification delivers a normal-priority notification to every active
// device the user has.
func (s *Service) SendNotification(ctx context.Context, userID uuid.UUID, payload NotificationPayload) (Result, error) {
	devices, err := s.devices.ListActiveByUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve devices: %w", err)
	}

	msg := Message{
		Title: payload.Title,
		Body:  payload.Body,
		Data: map[string]string{
			"type":      "notification",
			"sessionId": payload.SessionID.String(),
		},
	}
	return s.fanOut(ctx, devices, msg), nil
}

// fanOut sends msg to each device in parallel and records per-device
// outcomes. A failing device never cancels its siblings.
func (s *Service) fanOut(ctx context.Context, devices []device.Device, msg Message) Result {
	results := make([]DeviceResult, len(devices))

	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d device.Device) {
			defer wg.Done()
			results[i] = s.sendOne(ctx, d, msg)
		}(i, d)
	}
	wg.Wait()

	res := Result{
		TotalDevices: len(devices),
		Devices:      results,
	}
	for _, r := range results {
		if r.OK {
			res.SuccessCount++
		}
	}
	res.Success = res.SuccessCount > 0
	return res
}

func (s *Service) sendOne(ctx context.Context, d device.Device, msg Message) DeviceResult {
	err := s.sender.Send(ctx, d.PushToken, d.Platform, msg)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("device_id", d.ID.String()).
			Str("platform", d.Platform).
			Msg("push delivery failed")

		if _, recErr := s.devices.RecordFailure(ctx, d.ID, err.Error(), s.failureThreshold); recErr != nil {
			s.log.Error().Err(recErr).Str("device_id", d.ID.String()).Msg("failed to record push failure")
		}
		return DeviceResult{DeviceID: d.ID, Platform: d.Platform, Error: err.Error()}
	}

	if err := s.devices.RecordSuccess(ctx, d.ID); err != nil {
		s.log.Error().Err(err).Str("device_id", d.ID.String()).Msg("failed to record push success")
	}
	return DeviceResult{DeviceID: d.ID, Platform: d.Platform, OK: true}
}

// criticalMessage builds the transport message for a critical payload.
func criticalMessage(p CriticalPayload) Message {
	title := p.Title
	if title == "" {
		title = "🚨 CRITICAL ALERT"
	}

	return Message{
		Title:    title,
		Body:     p.Reason,
		Critical: true,
		Sound:    p.AlertSound,
		Data: map[string]string{
			"type":       "critical_alert",
			"sessionId":  p.SessionID.String(),
			"gameName":   p.GameName,
			"hubName":    p.HubName,
			"reason":     p.Reason,
			"lastStatus": p.LastStatus,
		},
	}
}
