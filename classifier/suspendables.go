package classifier

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
)

// ParseSuspendables reads a suspendables list. Each non-blank line holds
// one pattern: "owner.name(desc)", "owner.name", "owner.*", "*.name" or "*".
// Text after '#' is a comment.
func ParseSuspendables(r io.Reader) ([]string, error) {
	var patterns []string
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if err := validatePattern(text); err != nil {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidInput).
				Detail("line %d: %v", line, err).Build()
		}
		patterns = append(patterns, text)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.IO(errors.PhaseParse, err, "read suspendables")
	}
	return patterns, nil
}

// LoadSuspendables reads a suspendables list from a file.
func LoadSuspendables(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseParse, err, path)
	}
	defer f.Close()
	return ParseSuspendables(f)
}

func validatePattern(p string) error {
	if p == "*" {
		return nil
	}
	if strings.ContainsAny(p, " \t") {
		return errPattern(p, "contains whitespace")
	}
	owner, name, desc := splitPattern(p)
	if owner == "" || name == "" {
		return errPattern(p, "expected owner.name")
	}
	if desc != "" {
		if owner == "*" || name == "*" {
			return errPattern(p, "wildcard with descriptor")
		}
		if _, err := classfile.ParseDescriptor(desc); err != nil {
			return err
		}
	}
	return nil
}

func errPattern(p, msg string) error {
	return fmt.Errorf("pattern %q: %s", p, msg)
}
