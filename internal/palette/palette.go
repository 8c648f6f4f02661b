package palette

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Presets is the fixed set of named chat colors Twitch accepts for any
// account. Hex values are reserved for Prime/Turbo accounts.
var Presets = []string{
	"blue",
	"blue_violet",
	"cadet_blue",
	"chocolate",
	"coral",
	"dodger_blue",
	"firebrick",
	"golden_rod",
	"green",
	"hot_pink",
	"orange_red",
	"red",
	"sea_green",
	"spring_green",
	"yellow_green",
}

// PickPreset returns a uniformly random preset name different from exclude
// (case-insensitive). If the palette offers no alternative, exclude is
// returned as-is.
func PickPreset(exclude string) string {
	candidates := make([]string, 0, len(Presets))
	for _, name := range Presets {
		if !strings.EqualFold(name, exclude) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return exclude
	}
	return candidates[randInt(len(candidates))]
}

// PickHex generates a random #rrggbb color from an HSL triple constrained to
// hue [0,359], saturation [60,100] and lightness [35,75]. It retries up to 10
// times to avoid returning exclude; if every attempt collides, the last
// candidate is returned anyway.
func PickHex(exclude string) string {
	var candidate string
	for i := 0; i < 10; i++ {
		h := float64(randInt(360))
		s := float64(60+randInt(41)) / 100.0
		l := float64(35+randInt(41)) / 100.0
		r, g, b := hslToRGB(h, s, l)
		candidate = fmt.Sprintf("#%02x%02x%02x", r, g, b)
		if !strings.EqualFold(candidate, exclude) {
			return candidate
		}
	}
	return candidate
}

// IsPreset reports whether name matches a preset, ignoring case and
// underscores, and returns the canonical preset name.
func IsPreset(name string) (string, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "")
	for _, preset := range Presets {
		if strings.ReplaceAll(preset, "_", "") == key {
			return preset, true
		}
	}
	return "", false
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	c := (1 - abs(2*l-1)) * s
	hp := h / 60.0
	x := c * (1 - abs(mod2(hp)-1))

	var r1, g1, b1 float64
	switch {
	case hp < 1:
		r1, g1, b1 = c, x, 0
	case hp < 2:
		r1, g1, b1 = x, c, 0
	case hp < 3:
		r1, g1, b1 = 0, c, x
	case hp < 4:
		r1, g1, b1 = 0, x, c
	case hp < 5:
		r1, g1, b1 = x, 0, c
	default:
		r1, g1, b1 = c, 0, x
	}

	m := l - c/2
	return clamp8(r1 + m), clamp8(g1 + m), clamp8(b1 + m)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func mod2(v float64) float64 {
	for v >= 2 {
		v -= 2
	}
	return v
}

func clamp8(v float64) uint8 {
	n := int(v*255 + 0.5)
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return uint8(n)
}

// randInt draws from crypto/rand so color sequences are not correlated
// across process restarts.
func randInt(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
