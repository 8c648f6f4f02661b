package palette

import (
	"regexp"
	"strings"
	"testing"
)

var hexRe = regexp.MustCompile(`^#[0-9a-f]{6}$`)

func TestPickPresetExcludes(t *testing.T) {
	for i := 0; i < 200; i++ {
		got := PickPreset("red")
		if strings.EqualFold(got, "red") {
			t.Fatalf("PickPreset returned excluded color %q", got)
		}
		if _, ok := IsPreset(got); !ok {
			t.Fatalf("PickPreset returned non-preset %q", got)
		}
	}
}

func TestPickPresetCaseInsensitiveExclude(t *testing.T) {
	for i := 0; i < 50; i++ {
		if got := PickPreset("Blue_Violet"); strings.EqualFold(got, "blue_violet") {
			t.Fatalf("exclude not honored: %q", got)
		}
	}
}

func TestPickHexFormatAndRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		got := PickHex("")
		if !hexRe.MatchString(got) {
			t.Fatalf("unexpected hex format %q", got)
		}
	}
}

func TestPickHexExcludes(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		got := PickHex("#ff0000")
		if strings.EqualFold(got, "#ff0000") {
			t.Fatalf("PickHex returned excluded color")
		}
		seen[got] = struct{}{}
	}
	// With ~41*41*360 reachable colors two draws colliding every time would
	// mean a broken generator.
	if len(seen) < 10 {
		t.Fatalf("suspiciously few distinct colors: %d", len(seen))
	}
}

func TestPickHexTerminates(t *testing.T) {
	// Exclusion can never cover the whole space, but even if every retry
	// collided the last candidate must come back rather than looping.
	got := PickHex(PickHex(""))
	if got == "" {
		t.Fatalf("PickHex returned empty string")
	}
}

func TestIsPreset(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"blue", "blue", true},
		{"Blue", "blue", true},
		{"blueviolet", "blue_violet", true},
		{"BLUE_VIOLET", "blue_violet", true},
		{"  sea_green ", "sea_green", true},
		{"seagreen", "sea_green", true},
		{"magenta", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := IsPreset(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("IsPreset(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHSLToRGBKnownValues(t *testing.T) {
	cases := []struct {
		h, s, l float64
		r, g, b uint8
	}{
		{0, 1, 0.5, 255, 0, 0},
		{120, 1, 0.5, 0, 255, 0},
		{240, 1, 0.5, 0, 0, 255},
		{0, 0, 0.5, 128, 128, 128},
	}
	for _, tc := range cases {
		r, g, b := hslToRGB(tc.h, tc.s, tc.l)
		if r != tc.r || g != tc.g || b != tc.b {
			t.Fatalf("hslToRGB(%v,%v,%v) = %d,%d,%d; want %d,%d,%d",
				tc.h, tc.s, tc.l, r, g, b, tc.r, tc.g, tc.b)
		}
	}
}
