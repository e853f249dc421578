package core

import (
	"fmt"
	"strconv"
	"strings"
)

// GJSONPath joins segments into a gjson/sjson path, escaping the characters
// the path syntax reserves.
func GJSONPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		var sb strings.Builder
		for j := 0; j < len(segment); j++ {
			switch ch := segment[j]; ch {
			case '.', '*', '?', '|', '#', '@', '\\':
				sb.WriteByte('\\')
				sb.WriteByte(ch)
			default:
				sb.WriteByte(ch)
			}
		}
		escaped[i] = sb.String()
	}
	return strings.Join(escaped, ".")
}

// JSONPathOf renders segments as a "$.a.b" path as used by json_extract and
// json_set. Segments that are not plain identifiers are double-quoted.
func JSONPathOf(segments ...string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, segment := range segments {
		sb.WriteByte('.')
		if isPlainSegment(segment) {
			sb.WriteString(segment)
			continue
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(segment, `"`, `\"`))
		sb.WriteByte('"')
	}
	return sb.String()
}

func isPlainSegment(segment string) bool {
	if segment == "" {
		return false
	}
	for i := 0; i < len(segment); i++ {
		ch := segment[i]
		if !(ch == '_' || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ('0' <= ch && ch <= '9')) {
			return false
		}
	}
	return true
}

// ParseJSONPath splits a "$.a."b c"[0]" path into its segments. Array
// indexes become decimal segments.
func ParseJSONPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("json path %q must start with $", path)
	}
	var segments []string
	rest := path[1:]
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			if strings.HasPrefix(rest, `"`) {
				var sb strings.Builder
				i := 1
				for ; i < len(rest) && rest[i] != '"'; i++ {
					if rest[i] == '\\' && i+1 < len(rest) {
						i++
					}
					sb.WriteByte(rest[i])
				}
				if i >= len(rest) {
					return nil, fmt.Errorf("json path %q has an unterminated quote", path)
				}
				segments = append(segments, sb.String())
				rest = rest[i+1:]
				continue
			}
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			if end == 0 {
				return nil, fmt.Errorf("json path %q has an empty segment", path)
			}
			segments = append(segments, rest[:end])
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("json path %q has an unterminated index", path)
			}
			index := rest[1:end]
			if _, err := strconv.Atoi(index); err != nil {
				return nil, fmt.Errorf("json path %q has an invalid index %q", path, index)
			}
			segments = append(segments, index)
			rest = rest[end+1:]
		default:
			return nil, fmt.Errorf("json path %q is malformed", path)
		}
	}
	return segments, nil
}
