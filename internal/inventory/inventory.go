// Package inventory lists the games installed under the configured roots.
package inventory

import (
	"os"
	"strings"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("inventory")

// Directories that sit next to games in Steam libraries but are not games.
var builtinExclusions = []string{"SteamVR", "Steamworks Shared"}

// Scanner reports immediate subdirectories of each root as game names.
type Scanner struct {
	excluded map[string]bool
}

func NewScanner(extraExclusions []string) *Scanner {
	s := &Scanner{excluded: make(map[string]bool)}
	for _, name := range builtinExclusions {
		s.excluded[name] = true
	}
	for _, name := range extraExclusions {
		if name = strings.TrimSpace(name); name != "" {
			s.excluded[name] = true
		}
	}
	return s
}

// Report is a scan outcome. Failed lists roots that could not be read.
type Report struct {
	Games  []string
	Failed []string
}

// Scan reads every root independently. Roots are visited in order and
// names keep directory order within a root.
func (s *Scanner) Scan(roots []string) Report {
	rep := Report{Games: []string{}}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			log.Warn("cannot read games directory", logging.KeyPath, root, logging.KeyError, err)
			rep.Failed = append(rep.Failed, root)
			continue
		}

		n := 0
		for _, e := range entries {
			if !e.IsDir() || s.excluded[e.Name()] {
				continue
			}
			rep.Games = append(rep.Games, e.Name())
			n++
		}
		log.Debug("scanned games directory", logging.KeyPath, root, "games", n)
	}
	return rep
}
