package store

import (
	"sort"
	"strconv"
	"strings"
)

// EncodeMetrics renders a metrics map as a compact JSON object in key order.
// Floats use the shortest representation that round-trips exactly, so no
// precision is lost through the metrics column.
func EncodeMetrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		writeEscaped(&b, k)
		b.WriteByte('"')
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(m[k], 'g', -1, 64))
	}
	b.WriteByte('}')
	return b.String()
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
}

// DecodeMetrics parses a metrics JSON object leniently: whitespace is
// allowed anywhere, keys understand the escapes \n, \r and \t, and an
// unknown escape decodes to the escaped byte itself. Entries that fail to
// parse are skipped; a malformed tail yields whatever parsed before it.
func DecodeMetrics(s string) map[string]float64 {
	out := make(map[string]float64)
	i, n := 0, len(s)

	skipSpace := func() {
		for i < n && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
			i++
		}
	}

	skipSpace()
	if i >= n || s[i] != '{' {
		return out
	}
	i++

	for {
		skipSpace()
		if i >= n {
			return out
		}
		if s[i] == '}' {
			return out
		}
		if s[i] != '"' {
			return out
		}
		i++

		var key strings.Builder
		for i < n && s[i] != '"' {
			c := s[i]
			if c == '\\' && i+1 < n {
				i++
				switch s[i] {
				case 'n':
					key.WriteByte('\n')
				case 'r':
					key.WriteByte('\r')
				case 't':
					key.WriteByte('\t')
				default:
					key.WriteByte(s[i])
				}
			} else {
				key.WriteByte(c)
			}
			i++
		}
		if i >= n {
			return out
		}
		i++ // closing quote

		skipSpace()
		if i >= n || s[i] != ':' {
			return out
		}
		i++
		skipSpace()

		start := i
		for i < n && s[i] != ',' && s[i] != '}' {
			i++
		}
		token := strings.TrimSpace(s[start:i])
		if v, err := strconv.ParseFloat(token, 64); err == nil {
			out[key.String()] = v
		}

		if i >= n {
			return out
		}
		if s[i] == ',' {
			i++
			continue
		}
		return out // '}'
	}
}
