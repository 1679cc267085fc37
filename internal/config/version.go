package config

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = "1.0"

// SchemaVersion is a "major.minor" config schema version.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses "1.0". An empty string means the current version.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		s = CurrentSchemaVersion
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", major)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minor)
	}
	return SchemaVersion{Major: maj, Minor: mnr}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v SchemaVersion) Compare(o SchemaVersion) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

// IsSupportedVersion reports whether this build can read v: same major
// version and no newer than the current schema.
func IsSupportedVersion(v SchemaVersion) bool {
	cur, _ := ParseVersion(CurrentSchemaVersion)
	return v.Major == cur.Major && v.Compare(cur) <= 0
}
