package firmware

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted decimal firmware version with an optional build
// suffix ("7.1.3.0", "4.1.3 build 0") or a non-numeric commit tag
// ("2.4.4.0_GitHub-7074a43e4"). Numeric components compare numerically
// with missing trailing components treated as zero; when those are equal,
// commit tags decide by plain string comparison.
type Version struct {
	parts  []int
	commit string
}

// ParseVersion parses a version string per the grammar above.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}

	// Split off a suffix at the first whitespace, hyphen or underscore.
	core := s
	suffix := ""
	if i := strings.IndexAny(s, " \t-_"); i >= 0 {
		core, suffix = s[:i], strings.TrimLeft(s[i+1:], " \t-_")
	}

	var v Version
	for _, field := range strings.Split(core, ".") {
		n, err := strconv.Atoi(field)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: bad component %q", s, field)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("version %q: negative component", s)
		}
		v.parts = append(v.parts, n)
	}
	if len(v.parts) == 0 {
		return Version{}, fmt.Errorf("version %q: no components", s)
	}

	if suffix != "" {
		// "build 0" and bare numbers extend the numeric components;
		// anything else is a commit tag.
		numeric := strings.TrimSpace(strings.TrimPrefix(suffix, "build"))
		if n, err := strconv.Atoi(numeric); err == nil && n >= 0 {
			v.parts = append(v.parts, n)
		} else {
			v.commit = suffix
		}
	}

	return v, nil
}

// MustParseVersion is ParseVersion for known-good literals.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 ordering a against b. Numeric components are
// compared left to right with zero fill; equal numeric components fall back
// to a lexicographic comparison of the commit tags so the order stays total.
func (v Version) Compare(o Version) int {
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(o.parts) {
			b = o.parts[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(v.commit, o.commit)
}

// String renders the version in dotted form with the commit tag, if any,
// appended after a hyphen.
func (v Version) String() string {
	fields := make([]string, len(v.parts))
	for i, p := range v.parts {
		fields[i] = strconv.Itoa(p)
	}
	s := strings.Join(fields, ".")
	if v.commit != "" {
		s += "-" + v.commit
	}
	return s
}
