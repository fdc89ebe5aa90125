// Package ipban keeps a newline-delimited file of banned IP addresses,
// loaded at startup and appended on every ban.
package ipban

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// List is the in-memory view of the ban file.
type List struct {
	mu     sync.Mutex
	path   string
	banned map[string]struct{}
}

// Load reads the ban file at path, creating it when missing.
func Load(path string) (*List, error) {
	l := &List{
		path:   path,
		banned: make(map[string]struct{}),
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ban file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			l.banned[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ban file: %w", err)
	}

	return l, nil
}

func (l *List) IsBanned(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.banned[ip]
	return ok
}

// Ban records the address in memory and appends it to the file. Banning an
// already-banned address is a no-op.
//
// Nothing bans automatically: operators edit the file (picked up on restart)
// or call Ban from an admin-side integration. The server itself only reads
// the list, in the accept path.
func (l *List) Ban(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.banned[ip]; ok {
		return nil
	}
	l.banned[ip] = struct{}{}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ban file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, ip); err != nil {
		return fmt.Errorf("append ban file: %w", err)
	}
	return nil
}
