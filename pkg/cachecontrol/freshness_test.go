package cachecontrol

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rec     Record
		updated time.Time
		want    State
	}{
		{
			name: "no-store disables",
			rec:  Record{NoStore: Bool(true), MaxAge: Seconds(600)},
			want: State{Kind: Disabled},
		},
		{
			name: "no-cache is stale with must-revalidate carried",
			rec:  Record{NoCache: Bool(true), MustRevalidate: Bool(true)},
			want: State{Kind: Stale, MustRevalidate: true},
		},
		{
			name: "no-cache without max-age",
			rec:  Record{NoCache: Bool(true)},
			want: State{Kind: Stale},
		},
		{
			name: "zero max-age with must-revalidate acts as no-cache",
			rec:  Record{MaxAge: Seconds(0), MustRevalidate: Bool(true)},
			want: State{Kind: Stale, MustRevalidate: true},
		},
		{
			name: "absent max-age is fresh",
			rec:  Record{},
			want: State{Kind: Fresh},
		},
		{
			name: "unlimited max-age is fresh",
			rec:  Record{MaxAge: Always()},
			want: State{Kind: Fresh},
		},
		{
			name:    "within lifetime",
			rec:     Record{MaxAge: Seconds(60)},
			updated: now.Add(-30 * time.Second),
			want:    State{Kind: Fresh},
		},
		{
			name:    "boundary is still fresh",
			rec:     Record{MaxAge: Seconds(60)},
			updated: now.Add(-60 * time.Second),
			want:    State{Kind: Fresh},
		},
		{
			name:    "expired",
			rec:     Record{MaxAge: Seconds(60)},
			updated: now.Add(-61 * time.Second),
			want:    State{Kind: Stale},
		},
		{
			name:    "max-age zero means next lookup is stale",
			rec:     Record{MaxAge: Seconds(0), StaleIfError: Seconds(600)},
			updated: now.Add(-time.Second),
			want:    State{Kind: Stale, StaleIfError: true},
		},
		{
			name: "stale-while-revalidate window open",
			rec: Record{
				MaxAge:               Seconds(60),
				StaleWhileRevalidate: Seconds(120),
			},
			updated: now.Add(-90 * time.Second),
			want:    State{Kind: Stale, StaleWhileRevalidate: true},
		},
		{
			name: "stale-while-revalidate window closed",
			rec: Record{
				MaxAge:               Seconds(60),
				StaleWhileRevalidate: Seconds(10),
			},
			updated: now.Add(-90 * time.Second),
			want:    State{Kind: Stale},
		},
		{
			name: "stale-if-error boolean true has no window",
			rec: Record{
				MaxAge:       Seconds(60),
				StaleIfError: Always(),
			},
			updated: now.Add(-24 * time.Hour),
			want:    State{Kind: Stale, StaleIfError: true},
		},
		{
			name: "must-revalidate carried on stale",
			rec: Record{
				MaxAge:         Seconds(60),
				MustRevalidate: Bool(true),
			},
			updated: now.Add(-90 * time.Second),
			want:    State{Kind: Stale, MustRevalidate: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := tt.updated
			if updated.IsZero() {
				updated = now
			}
			got := Evaluate(tt.rec, updated, now)
			if got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
