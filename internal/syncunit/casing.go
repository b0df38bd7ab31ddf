package syncunit

import "strings"

// toSnakeCase converts a Go exported identifier ("FirstName") to the
// default exposed field name used when no rename or CamelCase
// transform applies ("first_name").
func toSnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
				nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
				if prevLower || (nextLower && runes[i-1] >= 'A' && runes[i-1] <= 'Z') {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// toCamelCase converts a snake_case name ("first_name") to the opt-in
// CamelCase projection form ("firstName").
func toCamelCase(snake string) string {
	parts := strings.Split(snake, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// toUpperSnake derives the wire name for an action or task from its Go
// method/function name when no explicit name is given, per the
// binding rule that bare registration upper-snake-cases the name.
func toUpperSnake(name string) string {
	return strings.ToUpper(toSnakeCase(name))
}
