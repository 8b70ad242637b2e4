package manifest

import "testing"

func TestParseImageTag(t *testing.T) {
	tests := []struct {
		image      string
		repository string
		tag        string
		digest     string
	}{
		{image: "nginx", repository: "nginx"},
		{image: "nginx:1.25.3", repository: "nginx", tag: "1.25.3"},
		{image: "localhost:5000/bots/ops", repository: "localhost:5000/bots/ops"},
		{image: "localhost:5000/bots/ops:v2.0.0", repository: "localhost:5000/bots/ops", tag: "v2.0.0"},
		{image: "ghcr.io/org/app:v1.2.3@sha256:abc", repository: "ghcr.io/org/app", tag: "v1.2.3", digest: "sha256:abc"},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			repo, tag, digest := ParseImageTag(tt.image)
			if repo != tt.repository || tag != tt.tag || digest != tt.digest {
				t.Errorf("ParseImageTag(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.image, repo, tag, digest, tt.repository, tt.tag, tt.digest)
			}
		})
	}
}

func TestValidateImageReference(t *testing.T) {
	tests := []struct {
		image string
		valid bool
	}{
		{image: "ghcr.io/org/app:v1.2.3", valid: true},
		{image: "ghcr.io/org/app:1.2.3-rc.1", valid: true},
		{image: "app:2024-06-01", valid: true},
		{image: "app:20240601", valid: true},
		{image: "app:2024.06.01-build.7", valid: true},
		{image: "app:sha-3f2a9c1", valid: true},
		{image: "app:42", valid: true},
		{image: "app:v1.2.3@sha256:0123456789abcdef", valid: true},
		{image: "nginx:latest", valid: false},
		{image: "nginx:LATEST", valid: false},
		{image: "nginx:stable", valid: false},
		{image: "nginx", valid: false},
		{image: "nginx:edge", valid: false},
		{image: "nginx:v1.2", valid: false},
		{image: ":1.0.0", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			err := ValidateImageReference(tt.image)
			if tt.valid && err != nil {
				t.Errorf("Expected %q to be valid, got %v", tt.image, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected %q to be rejected", tt.image)
			}
		})
	}
}

func TestIsDNSLabel(t *testing.T) {
	valid := []string{"a", "support-bot", "bot1", "0bot"}
	invalid := []string{"", "-bot", "bot-", "Bot", "support--bot", "bot_1", string(make([]byte, 64))}

	for _, s := range valid {
		if !IsDNSLabel(s) {
			t.Errorf("Expected %q to be a DNS label", s)
		}
	}
	for _, s := range invalid {
		if IsDNSLabel(s) {
			t.Errorf("Expected %q to be rejected", s)
		}
	}
}
