package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
)

// LoadFile appends the rules in path, one per line:
//
//	- pattern      exclude
//	+ pattern      include
//	- re:expr      exclude paths matching a regular expression
//	# comment      skipped
//	pattern        exclude
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		include := false
		if p, ok := strings.CutPrefix(line, "+ "); ok {
			include, line = true, strings.TrimSpace(p)
		} else if p, ok := strings.CutPrefix(line, "- "); ok {
			line = strings.TrimSpace(p)
		}
		var err error
		if expr, ok := strings.CutPrefix(line, "re:"); ok {
			err = c.addRegexp(expr, include)
		} else {
			err = c.addGlob(line, include)
		}
		if err != nil {
			return fmt.Errorf("filter file %s line %d: %w", path, lineNum, err)
		}
	}
	return sc.Err()
}

// ParseSize parses a human-readable size such as "100K" or "1.5GiB" using
// binary multiples.
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return n, nil
}
