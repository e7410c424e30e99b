package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/collabctl/internal/protocol"
)

var ErrVersionFormat = fmt.Errorf("%w: state: version must be major.minor.feature", protocol.ErrInvalidParameters)

// Version is a dotted major.minor.feature triple.
type Version struct {
	Major   uint32
	Minor   uint32
	Feature uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Feature)
}

// Less orders versions component by component.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Feature < o.Feature
}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrVersionFormat, s)
	}
	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrVersionFormat, s)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Feature: nums[2]}, nil
}

// IsRemoteVersionLower reports whether remote is below threshold. An empty or
// unparseable remote version counts as lower.
func IsRemoteVersionLower(remote string, threshold Version) bool {
	v, err := ParseVersion(remote)
	if err != nil {
		return true
	}
	return v.Less(threshold)
}
