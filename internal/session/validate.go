package session

import (
	"fmt"
	"regexp"
)

// Names become directory names and appear in socket paths, so they stay
// short and shell-safe. A leading hyphen would read as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}
