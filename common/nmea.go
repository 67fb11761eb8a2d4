package common

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidateNMEAChecksum reports whether s is a "$...*hh" sentence with a valid
// XOR checksum. On success the body between "$" and "*" is returned.
func ValidateNMEAChecksum(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !(strings.HasPrefix(s, "$") && strings.Contains(s, "*")) {
		return "", false
	}

	body, cs, _ := strings.Cut(strings.TrimPrefix(s, "$"), "*")
	if len(cs) < 2 {
		return "", false
	}

	want, err := strconv.ParseUint(cs[:2], 16, 8)
	if err != nil {
		return "", false
	}

	if nmeaChecksum(body) != byte(want) {
		return "", false
	}
	return body, true
}

// MakeNMEACmd wraps body into a complete sentence including checksum and
// CRLF terminator.
func MakeNMEACmd(body string) []byte {
	return []byte(fmt.Sprintf("$%s*%02X\r\n", body, nmeaChecksum(body)))
}

func nmeaChecksum(body string) byte {
	cs := byte(0)
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return cs
}
