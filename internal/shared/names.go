package shared

import "regexp"

// agentNameRE constrains agent names to path-safe identifiers: the file
// backend uses the name as a directory component.
var agentNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidAgentName reports whether name is usable as an agent identifier.
func ValidAgentName(name string) bool {
	return agentNameRE.MatchString(name)
}
