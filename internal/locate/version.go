package locate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Semantic version expectations for the engine binary.
var (
	MinSupportedVersion = Version{Major: 0, Minor: 1, Patch: 0}
	RecommendedVersion  = Version{Major: 0, Minor: 1, Patch: 0}
	MaxTestedVersion    = Version{Major: 1, Minor: 0, Patch: 0}
)

var versionPattern = regexp.MustCompile(
	`(?:flumeng\s+)?(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9.-]+))?(?:\+([a-zA-Z0-9.-]+))?`,
)

// Version is a parsed semantic engine version.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
}

func (v Version) String() string {
	out := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		out += "-" + v.Prerelease
	}
	return out
}

// Compare orders versions; a prerelease sorts before its release.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return compareInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return compareInt(v.Minor, other.Minor)
	}
	if v.Patch != other.Patch {
		return compareInt(v.Patch, other.Patch)
	}
	switch {
	case v.Prerelease == "" && other.Prerelease != "":
		return 1
	case v.Prerelease != "" && other.Prerelease == "":
		return -1
	default:
		return strings.Compare(v.Prerelease, other.Prerelease)
	}
}

// AtLeast reports whether v is other or newer.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}

// Feature version floors. Unknown features are assumed to need the
// recommended version.
var featureFloors = map[string]Version{
	"get-api":   MinSupportedVersion,
	"sim":       MinSupportedVersion,
	"simulate":  MinSupportedVersion,
	"calibrate": MinSupportedVersion,
	"test":      MinSupportedVersion,
}

// Supports reports whether the engine version carries the named feature.
func (v Version) Supports(feature string) bool {
	floor, ok := featureFloors[strings.ToLower(strings.TrimSpace(feature))]
	if !ok {
		floor = RecommendedVersion
	}
	return v.AtLeast(floor)
}

// ParseVersion extracts a semantic version from probe output such as
// "flumeng 0.3.1" or a bare "0.3.1".
func ParseVersion(raw string) (Version, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Version{}, false
	}
	match := versionPattern.FindStringSubmatch(raw)
	if match == nil {
		return Version{}, false
	}

	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	patch, _ := strconv.Atoi(match[3])
	return Version{Major: major, Minor: minor, Patch: patch, Prerelease: match[4]}, true
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
