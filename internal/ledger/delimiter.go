package ledger

import "strings"

// delimiterRun is the shortest run of '=' that frames a failure block.
const delimiterRun = 30

var markerRun = strings.Repeat("=", delimiterRun)

// ParseDelimiter extracts the signature from a failure delimiter line such as
//
//	============================== 2024-05-01 10:00:00 | 8c1f2e9a ==============================
//
// A delimiter contains at least 30 consecutive '=' and a '|'. The signature
// is the second '|'-separated field with every '=' removed, trimmed.
func ParseDelimiter(line string) (Signature, bool) {
	if !strings.Contains(line, markerRun) || !strings.Contains(line, "|") {
		return "", false
	}
	field := strings.Split(line, "|")[1]
	sig := strings.TrimSpace(strings.ReplaceAll(field, "=", ""))
	if sig == "" {
		return "", false
	}
	return Signature(sig), true
}
