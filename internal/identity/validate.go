package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// idPattern is the schema every entity_id must conform to. Immutable after
// init; safe for concurrent use from any worker.
var idPattern = regexp.MustCompile(`^(file|dir|project|func|class|method|var|concept|pattern|example|doc)_[a-f0-9]{12,}$`)

// ValidateEntityID reports whether id is a well-formed entity identifier.
// A FILE entity_id that contains any path-like fragment (a colon, a slash,
// a dot) is a hard error; callers must not create nodes with such ids.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("identity: empty entity_id")
	}
	if strings.ContainsAny(id, ":/. \t\n") {
		return fmt.Errorf("identity: entity_id %q contains a path-like fragment", id)
	}
	if id != strings.ToLower(id) {
		return fmt.Errorf("identity: entity_id %q contains uppercase", id)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("identity: entity_id %q does not match %s", id, idPattern.String())
	}
	return nil
}

// ValidateRelationshipID reports whether id is a well-formed relationship id.
var relPattern = regexp.MustCompile(`^[a-f0-9]{16,}$`)

func ValidateRelationshipID(id string) error {
	if !relPattern.MatchString(id) {
		return fmt.Errorf("identity: relationship_id %q is not a hex hash", id)
	}
	return nil
}
