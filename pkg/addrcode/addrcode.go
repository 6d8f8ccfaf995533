// Package addrcode converts IPv4 addresses to short, human-typeable codes
// of the form XXX-XXXX and back.
package addrcode

import (
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
)

const (
	base      = 36
	digits    = 7
	groupSize = 3
)

// Invalid is returned alongside ErrInvalidCode by Decode.
const Invalid = "ERR"

var ErrInvalidCode = errors.New("invalid address code")

var codeRegex = regexp.MustCompile(`^[A-Za-z0-9]{3}-[A-Za-z0-9]{4}$`)

// The lexicon is A-Z for 0..25 followed by 0-9 for 26..35, so 'A' is the zero digit.
func charForDigit(v uint64) byte {
	if v < 26 {
		return byte('A' + v)
	}
	return byte('0' + v - 26)
}

func digitForChar(c byte) (uint64, bool) {
	switch {
	case c >= 'A' && c <= 'Z':
		return uint64(c - 'A'), true
	case c >= '0' && c <= '9':
		return uint64(c-'0') + 26, true
	default:
		return 0, false
	}
}

// Encode returns the code for a dotted-quad IPv4 address.
func Encode(ipv4 string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(ipv4)).To4()
	if ip == nil {
		return "", fmt.Errorf("not an IPv4 address: %q", ipv4)
	}
	num := uint64(ip[0])<<24 | uint64(ip[1])<<16 | uint64(ip[2])<<8 | uint64(ip[3])

	buf := []byte(strings.Repeat("A", digits))
	for i := digits - 1; i >= 0 && num > 0; i-- {
		buf[i] = charForDigit(num % base)
		num /= base
	}
	return string(buf[:groupSize]) + "-" + string(buf[groupSize:]), nil
}

// Decode returns the IPv4 address for code. Input is case-insensitive and
// the dash is optional. Any invalid input yields Invalid and ErrInvalidCode.
func Decode(code string) (string, error) {
	clean := strings.ToUpper(strings.Replace(strings.TrimSpace(code), "-", "", 1))
	if len(clean) != digits {
		return Invalid, ErrInvalidCode
	}

	var num uint64
	for i := 0; i < len(clean); i++ {
		v, ok := digitForChar(clean[i])
		if !ok {
			return Invalid, ErrInvalidCode
		}
		num = num*base + v
	}
	if num > math.MaxUint32 {
		return Invalid, ErrInvalidCode
	}

	return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num)).String(), nil
}

// IsValid reports whether code has the XXX-XXXX shape. It does not check
// that the value fits an IPv4 address.
func IsValid(code string) bool {
	return codeRegex.MatchString(code)
}
