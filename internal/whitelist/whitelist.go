package whitelist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// List is a JSON-file-backed set of permitted numbers.
//
// Small and low-churn, so the whole list is rewritten on every add
// (tmp + rename, same discipline as the queue snapshots).
type List struct {
	mu      sync.Mutex
	path    string
	numbers []string
}

func Open(path string) (*List, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("whitelist.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	l := &List{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &l.numbers); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add appends number if absent. Returns false if it was already present.
func (l *List) Add(number string) (bool, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return false, errors.New("number is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.numbers {
		if n == number {
			return false, nil
		}
	}
	next := append(append([]string(nil), l.numbers...), number)
	if err := l.writeLocked(next); err != nil {
		return false, err
	}
	l.numbers = next
	return true, nil
}

// Contains reports whether number is whitelisted.
func (l *List) Contains(number string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.numbers {
		if n == number {
			return true
		}
	}
	return false
}

// All returns a copy of the current list.
func (l *List) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.numbers...)
}

func (l *List) writeLocked(numbers []string) error {
	data, err := json.MarshalIndent(numbers, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
