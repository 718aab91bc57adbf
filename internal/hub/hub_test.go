package hub

import "testing"

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"AutoFarm Hub", "autofarm-hub"},
		{"  Spaced   Out  ", "spaced-out"},
		{"already-slugged", "already-slugged"},
		{"Symbols!@#Stripped", "symbols-stripped"},
		{"Trailing---", "trailing"},
		{"42 Scripts", "42-scripts"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{StatusPending, StatusApproved, StatusRejected, StatusSuspended} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "active", "APPROVED", "banned"} {
		if ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = true, want false", s)
		}
	}
}

func TestApproved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   bool
	}{
		{StatusApproved, true},
		{StatusPending, false},
		{StatusRejected, false},
		{StatusSuspended, false},
	}
	for _, tt := range tests {
		h := &Hub{Status: tt.status}
		if got := h.Approved(); got != tt.want {
			t.Errorf("Approved() with status=%q = %v, want %v", tt.status, got, tt.want)
		}
	}
}
