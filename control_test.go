package mmalcam

import (
	"testing"
)

// recordingApplier records Apply calls and answers with a per-name token
// consumption count.
type recordingApplier struct {
	consumed map[string]int // name -> tokens consumed (default 2)
	calls    [][2]string
}

func (r *recordingApplier) Apply(name, value string) int {
	r.calls = append(r.calls, [2]string{name, value})
	if n, ok := r.consumed[name]; ok {
		return n
	}
	return 2
}

func TestApplyControlParams(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		consumed map[string]int
		want     [][2]string
	}{
		{
			name:   "name value pairs",
			params: "-ex night -awb auto",
			want:   [][2]string{{"ex", "night"}, {"awb", "auto"}},
		},
		{
			name:     "standalone flag followed by pair",
			params:   "-vstab -ss 20000",
			consumed: map[string]int{"vstab": 1},
			want:     [][2]string{{"vstab", "-ss"}, {"ss", "20000"}},
		},
		{
			name:   "trailing name without value",
			params: "-ex night -hf",
			want:   [][2]string{{"ex", "night"}, {"hf", ""}},
		},
		{
			name:   "empty string",
			params: "",
			want:   nil,
		},
		{
			name:   "extra whitespace",
			params: "  -ex   night  ",
			want:   [][2]string{{"ex", "night"}},
		},
		{
			name:   "single character token kept whole",
			params: "- night",
			want:   [][2]string{{"-", "night"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &recordingApplier{consumed: tt.consumed}
			applyControlParams(tt.params, applier)

			if len(applier.calls) != len(tt.want) {
				t.Fatalf("got %d Apply calls %v, want %d %v",
					len(applier.calls), applier.calls, len(tt.want), tt.want)
			}
			for i, want := range tt.want {
				if applier.calls[i] != want {
					t.Errorf("call %d = %v, want %v", i, applier.calls[i], want)
				}
			}
		})
	}
}
