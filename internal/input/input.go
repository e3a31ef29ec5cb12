// Package input expands command arguments that use - (stdin) or @file
// syntax into one value per non-empty line.
package input

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExpandArgs replaces "-" with the lines of stdin and "@path" with the
// lines of path. Stdin may be consumed once.
func ExpandArgs(values []string, stdin io.Reader) ([]string, error) {
	var (
		result    []string
		stdinUsed bool
	)
	for _, v := range values {
		switch {
		case v == "-":
			if stdinUsed {
				return nil, errors.New("stdin (-) given more than once")
			}
			stdinUsed = true
			lines, err := ReadLines(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			result = append(result, lines...)
		case strings.HasPrefix(v, "@") && len(v) > 1:
			path := v[1:]
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			lines, err := ReadLines(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			result = append(result, lines...)
		default:
			result = append(result, v)
		}
	}
	return result, nil
}

// ReadLines returns the trimmed non-empty lines of r. Lines starting with
// # are skipped.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
