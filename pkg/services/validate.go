package services

import "regexp"

var (
	envSlugPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]+$`)
	agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9 \[\]_()\-]+$`)
)

// ValidateEnvSlug checks an environment slug against the allowed pattern.
func ValidateEnvSlug(slug string) error {
	if !envSlugPattern.MatchString(slug) {
		return NewValidationError("env", "invalid environment identifier")
	}
	return nil
}

// ValidateAgentName checks an agent name against the allowed pattern.
func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return NewValidationError("agent", "invalid agent name")
	}
	return nil
}
