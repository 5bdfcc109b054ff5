package hwaddr

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AA:BB:CC:DD:EE:01", "aa:bb:cc:dd:ee:01"},
		{"aa-bb-cc-dd-ee-01", "aa:bb:cc:dd:ee:01"},
		{"aabbccddee01", "aa:bb:cc:dd:ee:01"},
		{"aabb.ccdd.ee01", "aa:bb:cc:dd:ee:01"},
		{"0:1b:2c:3:4:5", "00:1b:2c:03:04:05"},
		{" aa:bb:cc:dd:ee:01 ", "aa:bb:cc:dd:ee:01"},
		{"00:00:00:00:00:00", ""},
		{"00-00-00-00-00-00", ""},
		{"", ""},
		{"(incomplete)", ""},
		{"zz:bb:cc:dd:ee:01", ""},
		{"aa:bb:cc:dd:ee", ""},
		{"192.168.100.100", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompact(t *testing.T) {
	if got := Compact("AA-BB-CC-DD-EE-01"); got != "aabbccddee01" {
		t.Errorf("Compact: got %q, want aabbccddee01", got)
	}
	if got := Compact("bogus"); got != "" {
		t.Errorf("Compact(bogus): got %q, want empty", got)
	}
}
