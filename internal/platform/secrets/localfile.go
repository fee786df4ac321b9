package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultLocalFile is read when Secret Manager is unreachable during development.
const DefaultLocalFile = ".secrets.local"

// readLocalFile parses "id=value" lines. Keys may carry a secret:// or sm:// prefix and a
// ?version= suffix; blank lines and # comments are skipped. A missing file yields no values.
func readLocalFile(path string) (map[string]string, error) {
	values := map[string]string{}
	path = strings.TrimSpace(path)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return values, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return values, fmt.Errorf("secrets: %s:%d: expected id=value", path, lineNo)
		}
		key = strings.TrimSpace(key)
		if !strings.Contains(key, "://") {
			key = "secret://" + key
		}
		ref, err := ParseRef(key)
		if err != nil {
			return values, fmt.Errorf("secrets: %s:%d: %w", path, lineNo, err)
		}
		if ref.Version == "" {
			ref.Version = latestVersion
		}
		values[ref.String()] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return values, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return values, nil
}
