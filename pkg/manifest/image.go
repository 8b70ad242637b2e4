package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	integerTagPattern = regexp.MustCompile(`^[0-9]+$`)
	shaTagPattern     = regexp.MustCompile(`^sha-[0-9a-f]{7,64}$`)
	dateTagPattern    = regexp.MustCompile(`^[0-9]{4}(-[0-9]{2}-[0-9]{2}|\.[0-9]{2}\.[0-9]{2}|[0-9]{4})([-._][0-9A-Za-z.-]+)?$`)
)

// floatingTags move over time and therefore never pin a release.
var floatingTags = map[string]bool{
	"latest": true,
	"stable": true,
}

// ParseImageTag splits an image reference into repository, tag and digest.
// The tag is empty when the reference carries none.
func ParseImageTag(image string) (repository, tag, digest string) {
	if i := strings.Index(image, "@"); i >= 0 {
		digest = image[i+1:]
		image = image[:i]
	}

	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:], digest
	}
	return image, "", digest
}

// IsPinnedTag reports whether tag names an immutable release: a semantic
// version (optionally v-prefixed), a date stamp, sha-<hex> or a bare integer.
func IsPinnedTag(tag string) bool {
	if tag == "" || floatingTags[strings.ToLower(tag)] {
		return false
	}
	if integerTagPattern.MatchString(tag) || shaTagPattern.MatchString(tag) || dateTagPattern.MatchString(tag) {
		return true
	}
	_, err := semver.StrictNewVersion(strings.TrimPrefix(tag, "v"))
	return err == nil
}

// ValidateImageReference checks that image carries a pinned, non-floating tag.
func ValidateImageReference(image string) error {
	repository, tag, _ := ParseImageTag(image)
	if repository == "" {
		return fmt.Errorf("image reference %q has no repository", image)
	}
	if tag == "" {
		return fmt.Errorf("image %q must specify a tag", image)
	}
	if floatingTags[strings.ToLower(tag)] {
		return fmt.Errorf("image tag %q is floating; pin a released version", tag)
	}
	if !IsPinnedTag(tag) {
		return fmt.Errorf("image tag %q is not a pinned version (semver, date stamp, sha-<hex> or integer)", tag)
	}
	return nil
}
