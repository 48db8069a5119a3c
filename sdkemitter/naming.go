package sdkemitter

import (
	"regexp"
	"strings"
)

var jsIdentifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
var pyIdentifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var camelBoundaryRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func isValidJSIdentifier(name string) bool {
	return jsIdentifierRe.MatchString(name)
}

func isValidPyIdentifier(name string) bool {
	return pyIdentifierRe.MatchString(name)
}

// toSnakeCase converts a camelCase or PascalCase identifier to snake_case.
// Hyphens become underscores; every other character passes through
// unchanged apart from lowercasing.
func toSnakeCase(name string) string {
	replaced := camelBoundaryRe.ReplaceAllString(name, "${1}_${2}")
	replaced = strings.ReplaceAll(replaced, "-", "_")
	return strings.ToLower(replaced)
}
