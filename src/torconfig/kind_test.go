// SPDX-License-Identifier: MIT
package torconfig

import "testing"

func TestKindBooleanAutoValidate(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"auto", "-1"},
		{"AUTO", "-1"},
		{"-1", "-1"},
		{"-5", "-1"},
		{"0", "0"},
		{"1", "1"},
		{"2", "1"},
	}
	for _, c := range cases {
		got, err := KindBooleanAuto.Validate(c.raw)
		if err != nil {
			t.Fatalf("Validate(%q): %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("Validate(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestKindBooleanAutoValidateRejectsGarbage(t *testing.T) {
	if _, err := KindBooleanAuto.Validate("sometimes"); err == nil {
		t.Fatal("expected an error for a non-auto, non-integer value")
	}
}
