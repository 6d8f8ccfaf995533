package domain

import "strings"

// WildcardUsername matches any username registered at an address.
const WildcardUsername = "*"

// DeviceIdentifier names a peer by network address and username.
type DeviceIdentifier struct {
	Address  string `json:"address"`
	Username string `json:"username"`
}

func NewDeviceIdentifier(address, username string) DeviceIdentifier {
	return DeviceIdentifier{Address: address, Username: username}
}

// ParseDeviceIdentifier is the inverse of String. Everything before the
// first '@' is the username.
func ParseDeviceIdentifier(s string) DeviceIdentifier {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return DeviceIdentifier{Address: s[i+1:], Username: s[:i]}
	}
	return DeviceIdentifier{Address: s}
}

// String returns username@address, or the bare address when the username is empty.
// This form is the storage key of everything persisted per peer.
func (d DeviceIdentifier) String() string {
	if d.Username == "" {
		return d.Address
	}
	return d.Username + "@" + d.Address
}

func (d DeviceIdentifier) IsZero() bool {
	return d.Address == "" && d.Username == ""
}

// IsWildcard reports whether the username matches any username at the address.
func (d DeviceIdentifier) IsWildcard() bool {
	return d.Username == "" || d.Username == WildcardUsername
}

func (d DeviceIdentifier) Equal(other DeviceIdentifier) bool {
	return d.Address == other.Address && d.Username == other.Username
}

// Match is the relation used to correlate requests and rejections. It is
// symmetric: addresses must be equal and either side may be a wildcard.
func (d DeviceIdentifier) Match(other DeviceIdentifier) bool {
	if d.Address != other.Address {
		return false
	}
	return d.IsWildcard() || other.IsWildcard() || d.Username == other.Username
}

// IndexOfMatch returns the index of the first entry matching id, or -1.
func IndexOfMatch(list []DeviceIdentifier, id DeviceIdentifier) int {
	for i, entry := range list {
		if entry.Match(id) {
			return i
		}
	}
	return -1
}

func ContainsMatch(list []DeviceIdentifier, id DeviceIdentifier) bool {
	return IndexOfMatch(list, id) >= 0
}

func ContainsEqual(list []DeviceIdentifier, id DeviceIdentifier) bool {
	for _, entry := range list {
		if entry.Equal(id) {
			return true
		}
	}
	return false
}

// RemoveMatches returns list without the entries matching id. The input
// slice is not modified.
func RemoveMatches(list []DeviceIdentifier, id DeviceIdentifier) []DeviceIdentifier {
	out := make([]DeviceIdentifier, 0, len(list))
	for _, entry := range list {
		if !entry.Match(id) {
			out = append(out, entry)
		}
	}
	return out
}
