package disk

import (
	"testing"
)

func TestDefaultSystemPartition(t *testing.T) {
	tests := []struct {
		name       string
		parts      []Partition
		inRecovery bool
		wantIndex  int
		wantOK     bool
	}{
		{
			name: "booted system picks flagged partition",
			parts: []Partition{
				{Letter: "D:", HasWindows: true},
				{Letter: "C:", HasWindows: true, IsSystemPartition: true},
			},
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name:   "booted system without flag picks nothing",
			parts:  []Partition{{Letter: "D:", HasWindows: true}},
			wantOK: false,
		},
		{
			name: "recovery env with single windows partition",
			parts: []Partition{
				{Letter: "X:", IsSystemPartition: true},
				{Letter: "D:"},
				{Letter: "E:", HasWindows: true},
			},
			inRecovery: true,
			wantIndex:  2,
			wantOK:     true,
		},
		{
			name:       "recovery env with no windows partition",
			parts:      []Partition{{Letter: "D:"}, {Letter: "E:"}},
			inRecovery: true,
			wantOK:     false,
		},
		{
			name: "recovery env with two windows partitions is ambiguous",
			parts: []Partition{
				{Letter: "C:", HasWindows: true},
				{Letter: "D:", HasWindows: true},
			},
			inRecovery: true,
			wantOK:     false,
		},
		{
			name: "recovery env ignores the system flag",
			parts: []Partition{
				{Letter: "C:", IsSystemPartition: true},
				{Letter: "D:", HasWindows: true},
			},
			inRecovery: true,
			wantIndex:  1,
			wantOK:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := DefaultSystemPartition(tt.parts, tt.inRecovery)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && idx != tt.wantIndex {
				t.Errorf("index = %d, want %d", idx, tt.wantIndex)
			}
		})
	}
}

func TestNewSnapshotKeepsSingleSystemFlag(t *testing.T) {
	snap := NewSnapshot([]Partition{
		{Letter: "C:", IsSystemPartition: true},
		{Letter: "D:", IsSystemPartition: true},
	}, false)

	parts := snap.Partitions()
	if !parts[0].IsSystemPartition || parts[1].IsSystemPartition {
		t.Errorf("expected only the first system flag to survive, got %+v", parts)
	}

	sys, ok := snap.CurrentSystem()
	if !ok || sys.Letter != "C:" {
		t.Errorf("current system = %+v, %v", sys, ok)
	}
}

func TestSnapshotIsolatedFromCaller(t *testing.T) {
	src := []Partition{{Letter: "C:", Label: "OS"}}
	snap := NewSnapshot(src, false)
	src[0].Label = "changed"

	got := snap.Partitions()
	got[0].Letter = "Z:"

	if p, ok := snap.Find("c:"); !ok || p.Label != "OS" {
		t.Errorf("snapshot mutated: %+v", p)
	}
}

func TestCurrentSystemInRecovery(t *testing.T) {
	snap := NewSnapshot([]Partition{{Letter: "X:", IsSystemPartition: true}}, true)
	if _, ok := snap.CurrentSystem(); ok {
		t.Error("recovery environment should report no current system partition")
	}
}

func TestSameLetter(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"C:", "c:", true},
		{"C:\\", "C:", true},
		{"C:", "D:", false},
		{"", "", false},
	}
	for _, c := range cases {
		if got := SameLetter(c.a, c.b); got != c.want {
			t.Errorf("SameLetter(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
