package device

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestValidPlatform(t *testing.T) {
	t.Parallel()

	valid := []string{"android", "ios", "web"}
	for _, p := range valid {
		if !ValidPlatform(p) {
			t.Errorf("ValidPlatform(%q) = false, want true", p)
		}
	}

	invalid := []string{"", "Android", "IOS", "desktop", "browser"}
	for _, p := range invalid {
		if ValidPlatform(p) {
			t.Errorf("ValidPlatform(%q) = true, want false", p)
		}
	}
}

func TestUpsertParamsValidate(t *testing.T) {
	t.Parallel()

	userID := uuid.New()

	tests := []struct {
		name    string
		params  UpsertParams
		wantErr error
	}{
		{
			name:   "valid",
			params: UpsertParams{UserID: userID, PushToken: "fcm-token-abc", Platform: PlatformWeb, Name: "Firefox"},
		},
		{
			name:    "missing token",
			params:  UpsertParams{UserID: userID, Platform: PlatformAndroid},
			wantErr: ErrTokenRequired,
		},
		{
			name:    "bad platform",
			params:  UpsertParams{UserID: userID, PushToken: "tok", Platform: "windows"},
			wantErr: ErrInvalidPlatform,
		},
		{
			name:    "empty platform",
			params:  UpsertParams{UserID: userID, PushToken: "tok"},
			wantErr: ErrInvalidPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.params.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
