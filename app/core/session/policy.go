package session

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Policy is the attachment extension allow-list. A nil allowed set means the
// list file was absent and every extension is accepted. Photos bypass the
// policy entirely.
type Policy struct {
	allowed map[string]bool
}

// LoadPolicy reads the allow-list file, one extension per line. Blank lines
// and lines starting with '#' are ignored; a leading dot is optional and
// matching is case-insensitive. A missing file yields an allow-all policy.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, err
	}
	defer f.Close()

	allowed := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(line, "."))
		allowed[ext] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Policy{allowed: allowed}, nil
}

// Allowed reports whether a document with the given filename passes the
// extension policy.
func (p *Policy) Allowed(filename string) bool {
	if p == nil || p.allowed == nil {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return p.allowed[ext]
}
