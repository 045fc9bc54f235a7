package pake

import (
	"fmt"
	"strings"
	"testing"
)

func TestGenerateDisplayCode(t *testing.T) {
	codes := make(map[DisplayCode]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateDisplayCode(DefaultDisplayCodeLength, nil)
		if err != nil {
			t.Fatalf("GenerateDisplayCode failed: %v", err)
		}
		if err := code.Validate(); err != nil {
			t.Errorf("generated code is invalid: %v", err)
		}
		codes[code] = true
	}

	if len(codes) < 90 {
		t.Errorf("expected more unique codes, got %d", len(codes))
	}

	if _, err := GenerateDisplayCode(4, nil); err == nil {
		t.Error("expected error for too-short length")
	}
}

func TestGenerateDisplayCodeKeepsLeadingZeros(t *testing.T) {
	// An all-zero reader yields the value 0.
	code, err := GenerateDisplayCode(8, strings.NewReader(strings.Repeat("\x00", 64)))
	if err != nil {
		t.Fatalf("GenerateDisplayCode failed: %v", err)
	}
	if string(code) != "00000000" {
		t.Errorf("code = %q, want 00000000", string(code))
	}
}

func TestParseDisplayCode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"482913", "482913", false},
		{"  482913  ", "482913", false},
		{"482-913", "482913", false},
		{"482 913", "482913", false},
		{"0000000000", "0000000000", false},

		{"48291", "", true},       // too short
		{"12345678901", "", true}, // too long
		{"", "", true},
		{"48291a", "", true},
		{"-48291", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDisplayCode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDisplayCode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("ParseDisplayCode(%q) = %q, want %q", tt.input, string(got), tt.want)
			}
		})
	}
}

func TestDisplayCodeRedacted(t *testing.T) {
	code := MustParseDisplayCode("482913")

	if s := fmt.Sprintf("%v", code); strings.Contains(s, "4829") {
		t.Errorf("formatted code leaks digits: %s", s)
	}
	if got := code.Grouped(); got != "482-913" {
		t.Errorf("Grouped() = %q, want 482-913", got)
	}
}
