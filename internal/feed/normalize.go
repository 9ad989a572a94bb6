package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Normalize canonicalises feed text so that cosmetic differences between
// fetches do not register as changes: LF line endings, unfolded lines,
// no DTSTAMP lines and no trailing whitespace.
func Normalize(data []byte) string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\n ", "")
	text = strings.ReplaceAll(text, "\n\t", "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if isDTStamp(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}

func isDTStamp(line string) bool {
	if len(line) < 8 || !strings.EqualFold(line[:7], "DTSTAMP") {
		return false
	}
	return line[7] == ':' || line[7] == ';'
}

// ContentHash is the hex SHA-256 of the normalised feed text.
func ContentHash(data []byte) string {
	sum := sha256.Sum256([]byte(Normalize(data)))
	return hex.EncodeToString(sum[:])
}

// eventHash fingerprints the normalised fields of one event.
func eventHash(e Event) string {
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
