package log

import (
	"regexp"
	"sync"

	"github.com/go-logr/logr/funcr"
)

// Mock is a logger that stores all entries it receives so tests can assert
// on them.
type Mock struct {
	Logger

	mu      sync.Mutex
	entries []string
}

// NewMock creates a capturing logger. All verbosity levels are recorded.
func NewMock() *Mock {
	m := &Mock{}
	m.Logger = New(funcr.New(func(prefix, args string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if prefix != "" {
			args = prefix + ": " + args
		}
		m.entries = append(m.entries, args)
	}, funcr.Options{Verbosity: 10}))
	return m
}

// GetAll returns all entries logged so far.
func (m *Mock) GetAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	copy(out, m.entries)
	return out
}

// GetAllMatching returns all entries matching the given regexp.
func (m *Mock) GetAllMatching(reg string) []string {
	re := regexp.MustCompile(reg)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, line := range m.entries {
		if re.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// Clear discards all recorded entries.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}
