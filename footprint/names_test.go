package footprint

import (
	"testing"
)

func TestResolveColumn(t *testing.T) {
	tests := []struct {
		name       string
		available  []string
		candidates []string
		want       int
		wantErr    bool
	}{
		{"exact", []string{"X", "Y", "Z"}, []string{"Y"}, 1, false},
		{"exact wins over normalised", []string{"class", "Class"}, []string{"Class"}, 1, false},
		{"case folded", []string{"x", "y", "z"}, []string{"Z"}, 2, false},
		{"punctuation folded", []string{"//X", "Y_", "z-coord"}, []string{"y"}, 1, false},
		{"later candidate", []string{"easting", "northing", "elev"}, []string{"X", "easting"}, 0, false},
		{"substring", []string{"pos_x", "pos_y", "Classification"}, []string{"class"}, 2, false},
		{"ambiguous substring", []string{"intensity_raw", "intensity_norm"}, []string{"intensity"}, -1, true},
		{"no match", []string{"a", "b"}, []string{"z"}, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveColumn(tt.available, tt.candidates...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveColumn(%v, %v) = %d, want %d", tt.available, tt.candidates, got, tt.want)
			}
		})
	}
}
