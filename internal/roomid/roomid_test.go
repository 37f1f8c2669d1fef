package roomid

import "testing"

func TestGenerateIsValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := Generate()
		if !Valid(id) {
			t.Fatalf("Generate() = %q is not valid", id)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Errorf("Generate() produced %d distinct ids in 50 draws", len(seen))
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"cozy-otter-ramen-07", true},
		{"abc", true},
		{"ab", false},
		{"-leading", false},
		{"trailing-", false},
		{"Upper-Case", false},
		{"has space", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
