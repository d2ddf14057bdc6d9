package domain

import (
	"errors"
	"math"
	"testing"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		old       Vector
		new       Vector
		wantDelta *VectorDelta // nil means no change
	}{
		{
			name:      "Initial Load (Old is Nil)",
			old:       nil,
			new:       Vector{3, 4},
			wantDelta: &VectorDelta{Changed: 2, L2: 5, MaxAbs: 4},
		},
		{
			name:      "No Changes",
			old:       Vector{1, 2},
			new:       Vector{1, 2},
			wantDelta: nil,
		},
		{
			name:      "Single Element Moved",
			old:       Vector{1, 2, 3},
			new:       Vector{1, -1, 3},
			wantDelta: &VectorDelta{Changed: 1, L2: 3, MaxAbs: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Diff(tt.old, tt.new)
			if err != nil {
				t.Fatalf("Diff failed: %v", err)
			}
			if tt.wantDelta == nil {
				if got != nil {
					t.Errorf("Expected nil delta, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Expected delta %+v, got nil", tt.wantDelta)
			}
			if got.Changed != tt.wantDelta.Changed {
				t.Errorf("Changed = %d, want %d", got.Changed, tt.wantDelta.Changed)
			}
			if math.Abs(got.L2-tt.wantDelta.L2) > 1e-12 {
				t.Errorf("L2 = %v, want %v", got.L2, tt.wantDelta.L2)
			}
			if got.MaxAbs != tt.wantDelta.MaxAbs {
				t.Errorf("MaxAbs = %v, want %v", got.MaxAbs, tt.wantDelta.MaxAbs)
			}
		})
	}
}

func TestDiff_ShapeMismatch(t *testing.T) {
	_, err := Diff(Vector{1}, Vector{1, 2})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
}
