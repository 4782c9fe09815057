package bulletin

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEdition(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    Edition
		wantErr bool
	}{
		{
			name: "absolute url",
			link: "https://travel.state.gov/content/travel/en/legal/visa-law0/visa-bulletin/2025/visa-bulletin-for-may-2025.html",
			want: Edition{Month: time.May, Year: 2025},
		},
		{
			name: "relative path",
			link: "/content/travel/en/legal/visa-law0/visa-bulletin/2026/visa-bulletin-for-october-2026.html",
			want: Edition{Month: time.October, Year: 2026},
		},
		{
			name: "mixed case month",
			link: "/visa-bulletin/2025/visa-bulletin-for-DECEMBER-2024.html",
			want: Edition{Month: time.December, Year: 2024},
		},
		{
			name: "query string ignored",
			link: "https://example.com/visa-bulletin-for-june-2025.html?ref=home",
			want: Edition{Month: time.June, Year: 2025},
		},
		{
			name:    "unknown month",
			link:    "/visa-bulletin-for-smarch-2025.html",
			wantErr: true,
		},
		{
			name:    "two digit year",
			link:    "/visa-bulletin-for-may-25.html",
			wantErr: true,
		},
		{
			name:    "no slug",
			link:    "/content/travel/en/legal/visa-law0/visa-bulletin.html",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEdition(tt.link)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseEdition(%q) = %v, want error", tt.link, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEdition(%q) error: %v", tt.link, err)
			}
			if got != tt.want {
				t.Errorf("ParseEdition(%q) = %v, want %v", tt.link, got, tt.want)
			}
		})
	}
}

func TestEditionPrevious(t *testing.T) {
	tests := []struct {
		in   Edition
		want Edition
	}{
		{Edition{Month: time.May, Year: 2025}, Edition{Month: time.April, Year: 2025}},
		{Edition{Month: time.January, Year: 2025}, Edition{Month: time.December, Year: 2024}},
		{Edition{Month: time.December, Year: 2025}, Edition{Month: time.November, Year: 2025}},
	}

	for _, tt := range tests {
		if got := tt.in.Previous(); got != tt.want {
			t.Errorf("%v.Previous() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEditionOfEndOfMonth(t *testing.T) {
	// March 31 must not roll into a different month the way AddDate(0, -1, 0) would.
	now := time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)
	got := EditionOf(now).Previous()
	want := Edition{Month: time.February, Year: 2025}
	if got != want {
		t.Errorf("EditionOf(%v).Previous() = %v, want %v", now, got, want)
	}
}

func TestEditionKeyRoundTrip(t *testing.T) {
	e := Edition{Month: time.May, Year: 2025}
	if got := e.Key(); got != "2025-May" {
		t.Errorf("Key() = %q, want %q", got, "2025-May")
	}
	if got := e.Label(); got != "May-2025" {
		t.Errorf("Label() = %q, want %q", got, "May-2025")
	}

	parsed, err := ParseKey(e.Key())
	if err != nil {
		t.Fatalf("ParseKey error: %v", err)
	}
	if parsed != e {
		t.Errorf("ParseKey(%q) = %v, want %v", e.Key(), parsed, e)
	}

	if (Edition{}).Key() != "" {
		t.Error("zero edition should have empty key")
	}
	if z, err := ParseKey(""); err != nil || !z.IsZero() {
		t.Errorf("ParseKey(\"\") = %v, %v; want zero edition", z, err)
	}
	if _, err := ParseKey("May-2025"); err == nil {
		t.Error("ParseKey should reject label form")
	}
}

func TestSubscriberJSON(t *testing.T) {
	sub := Subscriber{
		Email:        "x@y.com",
		LastNotified: Edition{Month: time.April, Year: 2025},
	}

	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Subscriber
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LastNotified != sub.LastNotified {
		t.Errorf("LastNotified = %v, want %v (json %s)", got.LastNotified, sub.LastNotified, data)
	}
}
