package channels

import (
	"errors"
	"reflect"
	"testing"

	"scenesplit/internal/faults"
)

var names = []string{"BF", "AF488", "mCherry", "dex647"}

func TestBuild(t *testing.T) {
	cases := []struct {
		name      string
		requested []Binding
		opts      Options
		indices   []int
		outNames  []string
	}{
		{
			name:     "identity",
			indices:  []int{0, 1, 2, 3},
			outNames: names,
		},
		{
			name:      "explicit order preserved",
			requested: []Binding{ByIndex("nuclei", 2), ByIndex("membrane", 1)},
			indices:   []int{2, 1},
			outNames:  []string{"mCherry", "AF488"},
		},
		{
			name:     "identity with exclusion",
			opts:     Options{Exclude: []int{3}},
			indices:  []int{0, 1, 2},
			outNames: []string{"BF", "AF488", "mCherry"},
		},
		{
			name:      "name match is case insensitive",
			requested: []Binding{ByIndex("membrane", 1), ByName("nuclei", "MCHERRY")},
			indices:   []int{1, 2},
			outNames:  []string{"AF488", "mCherry"},
		},
		{
			name:      "numeric index beats name for the same role",
			requested: []Binding{ByName("nuclei", "BF"), ByIndex("nuclei", 2)},
			indices:   []int{2},
			outNames:  []string{"mCherry"},
		},
		{
			name:      "repeat allowed",
			requested: []Binding{ByIndex("a", 1), ByIndex("b", 1)},
			opts:      Options{AllowRepeat: true},
			indices:   []int{1, 1},
			outNames:  []string{"AF488", "AF488"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Build(names, tc.requested, tc.opts)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if !reflect.DeepEqual(m.Indices(), tc.indices) {
				t.Fatalf("indices = %v, want %v", m.Indices(), tc.indices)
			}
			if !reflect.DeepEqual(m.Names(), tc.outNames) {
				t.Fatalf("names = %v, want %v", m.Names(), tc.outNames)
			}
		})
	}
}

func TestBuildRejects(t *testing.T) {
	dup := []string{"GFP", "gfp", "RFP"}
	cases := []struct {
		name      string
		names     []string
		requested []Binding
		opts      Options
	}{
		{"out of range", names, []Binding{ByIndex("membrane", 4)}, Options{}},
		{"negative", names, []Binding{ByIndex("membrane", -1)}, Options{}},
		{"repeated", names, []Binding{ByIndex("a", 1), ByIndex("b", 1)}, Options{}},
		{"role twice", names, []Binding{ByIndex("a", 1), ByIndex("a", 2)}, Options{}},
		{"unknown name", names, []Binding{ByName("a", "DAPI")}, Options{}},
		{"ambiguous name", dup, []Binding{ByName("a", "GFP")}, Options{}},
		{"excluded and requested", names, []Binding{ByIndex("a", 3)}, Options{Exclude: []int{3}}},
		{"exclude out of range", names, nil, Options{Exclude: []int{9}}},
		{"everything excluded", []string{"only"}, nil, Options{Exclude: []int{0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.names, tc.requested, tc.opts)
			if !errors.Is(err, faults.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseBinding(t *testing.T) {
	b, err := ParseBinding("nuclei=2")
	if err != nil || b != ByIndex("nuclei", 2) {
		t.Fatalf("got %+v %v", b, err)
	}
	b, err = ParseBinding(" membrane = AF488 ")
	if err != nil || b != ByName("membrane", "AF488") {
		t.Fatalf("got %+v %v", b, err)
	}
	for _, raw := range []string{"nuclei", "=2", "nuclei="} {
		if _, err := ParseBinding(raw); !errors.Is(err, faults.ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
	}
}
