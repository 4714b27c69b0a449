// Package credentials loads htpasswd files and verifies passwords against them.
package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ParseError reports a malformed line in a credential file.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Store maps usernames to password hashes. It is built once and never
// modified, so concurrent Check calls need no locking.
type Store struct {
	entries map[string]string
	matcher Matcher
	skipped []*ParseError
}

// New builds a store from username -> hash entries. The map is copied.
func New(entries map[string]string, m Matcher) *Store {
	copied := make(map[string]string, len(entries))
	for user, hash := range entries {
		copied[user] = hash
	}
	if m == nil {
		m = HtpasswdMatcher{}
	}
	return &Store{entries: copied, matcher: m}
}

// Load reads an htpasswd file from path and verifies passwords with
// HtpasswdMatcher. A missing or unreadable file is an error; the wrapped
// error keeps fs.ErrNotExist / fs.ErrPermission visible to errors.Is.
func Load(path string) (*Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential file: %w", err)
	}
	defer file.Close()

	store, err := Parse(file, HtpasswdMatcher{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}
	return store, nil
}

// Parse reads "user:hash" lines. Blank lines and lines starting with '#'
// are skipped; a username that appears twice keeps its last hash. Malformed
// lines are skipped too and reported by Skipped. Only a read failure is an
// error.
func Parse(r io.Reader, m Matcher) (*Store, error) {
	entries := make(map[string]string)
	var skipped []*ParseError

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			skipped = append(skipped, &ParseError{Line: lineNo, Msg: "expected user:hash"})
			continue
		}
		if user == "" {
			skipped = append(skipped, &ParseError{Line: lineNo, Msg: "empty username"})
			continue
		}
		entries[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	store := New(entries, m)
	store.skipped = skipped
	return store, nil
}

// Check reports whether username exists and password matches its hash.
func (s *Store) Check(username, password string) bool {
	hash, ok := s.entries[username]
	if !ok {
		return false
	}
	return s.matcher.Match(hash, password)
}

// Len returns the number of users in the store.
func (s *Store) Len() int {
	return len(s.entries)
}

// Skipped returns the malformed lines Parse ignored, in file order.
func (s *Store) Skipped() []*ParseError {
	return s.skipped
}

// Unsupported returns, sorted, the users whose hash the store's matcher can
// never verify. Only matchers with a Supported(hash) method are consulted.
func (s *Store) Unsupported() []string {
	sm, ok := s.matcher.(interface{ Supported(string) bool })
	if !ok {
		return nil
	}

	var users []string
	for user, hash := range s.entries {
		if !sm.Supported(hash) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}
