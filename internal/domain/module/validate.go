package module

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// ValidateCode rejects downloads that cannot be module source. Anything that
// does not sniff as text (images, archives, executables) is refused.
func ValidateCode(code []byte) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty download", ErrNotScript)
	}
	detected := mimetype.Detect(code)
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return fmt.Errorf("%w: detected %s", ErrNotScript, detected.String())
}
