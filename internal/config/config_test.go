package config_test

import (
	"reflect"
	"testing"

	"subbridge/internal/config"
)

func TestParsePlanIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{"empty", "", nil},
		{"single", "3", []int{3}},
		{"multiple", "1,2,5", []int{1, 2, 5}},
		{"unsorted", "5,1,2", []int{1, 2, 5}},
		{"whitespace", " 1 , 2 ", []int{1, 2}},
		{"skips blanks", "1,,2,", []int{1, 2}},
		{"skips garbage", "1,abc,2", []int{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := config.ParsePlanIDs(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParsePlanIDs(%q): got %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPlanAllowed(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetAllowedPlanIDs([]int{1, 2})

	one, five := 1, 5
	if !cfg.PlanAllowed(&one) {
		t.Fatalf("plan 1 should be allowed")
	}
	if cfg.PlanAllowed(&five) {
		t.Fatalf("plan 5 should not be allowed")
	}
	if cfg.PlanAllowed(nil) {
		t.Fatalf("nil plan should never be allowed")
	}
}

func TestPlanAllowed_EmptyAllowList(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetAllowedPlanIDs(nil)

	one := 1
	if cfg.PlanAllowed(&one) {
		t.Fatalf("empty allow-list admitted a plan")
	}
}

func TestSetAllowedPlanIDs_RuntimeSwap(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetAllowedPlanIDs([]int{1})

	cfg.SetAllowedPlanIDs([]int{2, 3})
	if got := cfg.AllowedPlanIDs(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("AllowedPlanIDs after swap: got %v", got)
	}

	three := 3
	if !cfg.PlanAllowed(&three) {
		t.Fatalf("swapped-in plan not allowed")
	}
}
