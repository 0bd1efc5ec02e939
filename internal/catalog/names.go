package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// HiveDefaultPartition is the directory name used for a missing partition value.
const HiveDefaultPartition = "__HIVE_DEFAULT_PARTITION__"

var (
	nonWordRe   = regexp.MustCompile(`[^A-Za-z0-9_]+`)
	camelHumpRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	acronymRe   = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
)

// SanitizeColumnName maps a source header to a Glue/Athena column name:
// ObservationDate -> observation_date, "Wind Speed (mph)" -> wind_speed_mph.
func SanitizeColumnName(name string) string {
	s := strings.TrimSpace(name)
	s = nonWordRe.ReplaceAllString(s, "_")
	s = acronymRe.ReplaceAllString(s, "${1}_${2}")
	s = camelHumpRe.ReplaceAllString(s, "${1}_${2}")
	s = strings.Trim(s, "_")
	return strings.ToLower(s)
}

// EscapePartitionValue escapes the characters Hive escapes in partition
// directory names. An empty value maps to HiveDefaultPartition.
func EscapePartitionValue(v string) string {
	if v == "" {
		return HiveDefaultPartition
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if needsEscape(c) {
			b.WriteString(fmt.Sprintf("%%%02X", c))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func needsEscape(c byte) bool {
	if c < 0x20 || c == 0x7F {
		return true
	}
	switch c {
	case '"', '#', '%', '\'', '*', '/', ':', '=', '?', '\\', '{', '[', ']', '^':
		return true
	}
	return false
}
