// Package tempfile tracks the scratch files one pipeline invocation creates so
// they can be removed together on every exit path.
package tempfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Set hands out uniquely named paths under one directory and removes them on Cleanup.
type Set struct {
	dir    string
	prefix string
	log    zerolog.Logger

	mu    sync.Mutex
	paths []string
}

// New creates a Set rooted at dir (os.TempDir() when empty). The prefix is
// derived from the current time plus a short random suffix so concurrent
// invocations never collide.
func New(dir string, log zerolog.Logger) *Set {
	if dir == "" {
		dir = os.TempDir()
	}
	prefix := fmt.Sprintf("echotutor_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
	return &Set{
		dir:    dir,
		prefix: prefix,
		log:    log.With().Str("temp_prefix", prefix).Logger(),
	}
}

// Prefix returns the per-invocation name prefix.
func (s *Set) Prefix() string {
	return s.prefix
}

// Path registers and returns a path named <prefix>_<name>. The file itself is
// not created.
func (s *Set) Path(name string) string {
	p := filepath.Join(s.dir, s.prefix+"_"+name)
	s.mu.Lock()
	s.paths = append(s.paths, p)
	s.mu.Unlock()
	return p
}

// Cleanup removes every registered path. Missing files are ignored; other
// failures are logged and counted, never returned.
func (s *Set) Cleanup() (failed int) {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failed++
			s.log.Warn().Err(err).Str("path", p).Msg("Failed to delete temp file")
		}
	}
	return failed
}
