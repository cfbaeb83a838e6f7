// Package fingerprint generates randomized but internally consistent
// device profiles. A profile is generated once per account and pinned; the
// generator itself is stateless.
package fingerprint

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"botflow/internal/domain"
)

type profileBase struct {
	platform  string
	uaFormat  string
	vendor    string
	renderers []string
	timezones []string
}

// Coherence matters more than variety: a Windows UA must come with a
// Windows platform string and a plausible desktop GPU, or the profile is
// trivially flagged.
var bases = []profileBase{
	{
		platform: "Win32",
		uaFormat: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
		vendor:   "Google Inc. (NVIDIA)",
		renderers: []string{
			"ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
			"ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
			"ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		},
		timezones: []string{"America/New_York", "America/Chicago", "Europe/London", "Europe/Berlin"},
	},
	{
		platform: "MacIntel",
		uaFormat: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
		vendor:   "Google Inc. (Apple)",
		renderers: []string{
			"ANGLE (Apple, Apple M1, OpenGL 4.1)",
			"ANGLE (Apple, Apple M2, OpenGL 4.1)",
		},
		timezones: []string{"America/Los_Angeles", "America/New_York", "Europe/Paris"},
	},
	{
		platform: "Linux x86_64",
		uaFormat: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
		vendor:   "Google Inc. (Mesa)",
		renderers: []string{
			"ANGLE (Mesa, llvmpipe (LLVM 15.0.7), OpenGL 4.5)",
			"ANGLE (AMD, AMD Radeon RX 6600 (radeonsi), OpenGL 4.6)",
		},
		timezones: []string{"Europe/Amsterdam", "Europe/Warsaw", "America/Sao_Paulo"},
	},
}

var viewports = [][2]int{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{2560, 1440},
}

var languages = []string{"en-US", "en-GB", "de-DE", "fr-FR", "pt-BR"}

// Generate produces a fresh profile from rng. Passing a seeded source
// makes generation deterministic for tests.
func Generate(rng *rand.Rand) domain.Fingerprint {
	base := bases[rng.Intn(len(bases))]
	viewport := viewports[rng.Intn(len(viewports))]
	chromeMajor := 120 + rng.Intn(8)
	cores := []int{4, 8, 12, 16}[rng.Intn(4)]

	return domain.Fingerprint{
		ID:                  "fp_" + uuid.NewString(),
		UserAgent:           fmt.Sprintf(base.uaFormat, chromeMajor),
		Platform:            base.platform,
		ViewportWidth:       viewport[0],
		ViewportHeight:      viewport[1],
		Timezone:            base.timezones[rng.Intn(len(base.timezones))],
		Language:            languages[rng.Intn(len(languages))],
		WebGLVendor:         base.vendor,
		WebGLRenderer:       base.renderers[rng.Intn(len(base.renderers))],
		HardwareConcurrency: cores,
		DeviceMemoryGB:      []int{4, 8, 16, 32}[rng.Intn(4)],
	}
}
