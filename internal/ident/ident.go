package ident

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// ID format patterns. Task IDs are globally unique across projects.
var (
	projectIDPattern = regexp.MustCompile(`^PID-[A-Z0-9-]{1,20}-\d{3,}$`)
	epicIDPattern    = regexp.MustCompile(`^E\d{3,}$`)
	taskIDPattern    = regexp.MustCompile(`^T\d{4,}$`)
	depIDPattern     = regexp.MustCompile(`^DEP-T\d{4,}-T\d{4,}-\d{3,}$`)

	projectNameChars = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
	nonAlnum         = regexp.MustCompile(`[^A-Z0-9]+`)
)

// Project name constraints.
const (
	minProjectNameLen = 2
	maxProjectNameLen = 50
	maxSlugLen        = 20

	// DefaultMaxRetries bounds collision probing before IdExhausted.
	DefaultMaxRetries = 1000
)

// ErrIDExhausted is returned when collision probing runs out of retries.
var ErrIDExhausted = errors.New("id space exhausted")

// stopWords are dropped when deriving a shorter suggested project name.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true,
	"and": true, "to": true, "in": true, "with": true, "on": true,
}

// counters is the JSON document persisted at counters.json.
type counters struct {
	Projects     map[string]int `json:"projects"` // per-project-slug counter
	Epics        int            `json:"epics"`
	Tasks        int            `json:"tasks"`
	Dependencies map[string]int `json:"dependencies"` // per from->to pair
}

// Generator allocates hierarchical IDs backed by an atomic on-disk counter
// document. A process-wide mutex serializes all increments.
type Generator struct {
	path       string
	maxRetries int

	mu  sync.Mutex
	cnt counters

	// exists reports whether an ID is already taken. Optional; when set,
	// counters advance past collisions up to maxRetries.
	exists func(id string) bool
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithCollisionCheck installs the exists predicate used to skip taken IDs.
func WithCollisionCheck(exists func(id string) bool) GeneratorOption {
	return func(g *Generator) { g.exists = exists }
}

// WithMaxRetries overrides the collision retry limit.
func WithMaxRetries(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// NewGenerator loads (or initializes) the counter document at path.
func NewGenerator(path string, opts ...GeneratorOption) (*Generator, error) {
	g := &Generator{
		path:       path,
		maxRetries: DefaultMaxRetries,
		cnt: counters{
			Projects:     make(map[string]int),
			Dependencies: make(map[string]int),
		},
	}
	for _, opt := range opts {
		opt(g)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Fresh state; first save creates the file.
	case err != nil:
		return nil, fmt.Errorf("reading counters: %w", err)
	default:
		if err := json.Unmarshal(data, &g.cnt); err != nil {
			return nil, fmt.Errorf("decoding counters: %w", err)
		}
		if g.cnt.Projects == nil {
			g.cnt.Projects = make(map[string]int)
		}
		if g.cnt.Dependencies == nil {
			g.cnt.Dependencies = make(map[string]int)
		}
	}

	return g, nil
}

// NextProjectID allocates the next project ID for name.
// The name is validated first; see ValidateProjectName.
func (g *Generator) NextProjectID(name string) (string, error) {
	if err := ValidateProjectName(name); err != nil {
		return "", err
	}
	slug := ProjectSlug(name)

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.allocate(func(probe int) string {
		return fmt.Sprintf("PID-%s-%03d", slug, g.cnt.Projects[slug]+probe)
	}, func(used int) {
		g.cnt.Projects[slug] += used
	})
}

// NextEpicID allocates the next epic ID.
func (g *Generator) NextEpicID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.allocate(func(probe int) string {
		return fmt.Sprintf("E%03d", g.cnt.Epics+probe)
	}, func(used int) {
		g.cnt.Epics += used
	})
}

// NextTaskID allocates the next globally unique task ID.
func (g *Generator) NextTaskID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.allocate(func(probe int) string {
		return fmt.Sprintf("T%04d", g.cnt.Tasks+probe)
	}, func(used int) {
		g.cnt.Tasks += used
	})
}

// NextDependencyID allocates the next dependency ID for the edge from->to.
func (g *Generator) NextDependencyID(from, to string) (string, error) {
	if !taskIDPattern.MatchString(from) || !taskIDPattern.MatchString(to) {
		return "", oerr.E(oerr.Validation, "ident", "NextDependencyID", "malformed task id").
			WithEntities(from, to)
	}
	pair := from + "->" + to

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.allocate(func(probe int) string {
		return fmt.Sprintf("DEP-%s-%s-%03d", from, to, g.cnt.Dependencies[pair]+probe)
	}, func(used int) {
		g.cnt.Dependencies[pair] += used
	})
}

// allocate probes candidate IDs until one is free, commits the counter
// advance, and persists the document. Callers hold g.mu.
func (g *Generator) allocate(candidate func(probe int) string, commit func(used int)) (string, error) {
	for probe := 1; probe <= g.maxRetries; probe++ {
		id := candidate(probe)
		if g.exists != nil && g.exists(id) {
			continue
		}
		commit(probe)
		if err := g.save(); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", oerr.E(oerr.ResourceExhausted, "ident", "allocate", "id retry limit reached").
		WithMeta("maxRetries", g.maxRetries).Wrap(ErrIDExhausted)
}

// save persists counters atomically (temp file + rename). Callers hold g.mu.
func (g *Generator) save() error {
	data, err := json.MarshalIndent(g.cnt, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding counters: %w", err)
	}
	if err := renameio.WriteFile(g.path, data, 0640); err != nil {
		return oerr.E(oerr.Internal, "ident", "save", "persisting counters").Wrap(err)
	}
	return nil
}

// ProjectSlug derives the ID slug from a project name: uppercased,
// non-alphanumerics collapsed to "-", trimmed, truncated to 20 characters.
func ProjectSlug(name string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToUpper(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// ValidateProjectName checks name length and character set. Invalid names
// produce a Validation error carrying a suggested shorter name.
func ValidateProjectName(name string) error {
	if len(name) < minProjectNameLen {
		return oerr.E(oerr.Validation, "ident", "ValidateProjectName",
			fmt.Sprintf("project name must be at least %d characters", minProjectNameLen))
	}
	if len(name) > maxProjectNameLen {
		return oerr.E(oerr.Validation, "ident", "ValidateProjectName",
			fmt.Sprintf("project name must be at most %d characters", maxProjectNameLen)).
			WithMeta("suggestion", SuggestProjectName(name))
	}
	if !projectNameChars.MatchString(name) {
		return oerr.E(oerr.Validation, "ident", "ValidateProjectName",
			"project name may only contain letters, digits, spaces, underscores and hyphens").
			WithMeta("suggestion", SuggestProjectName(name))
	}
	return nil
}

// SuggestProjectName derives a shorter, valid name by dropping stop-words,
// stripping disallowed characters, and truncating to the maximum length.
func SuggestProjectName(name string) string {
	var kept []string
	for _, word := range strings.Fields(name) {
		clean := strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
				return r
			default:
				return -1
			}
		}, word)
		if clean == "" || stopWords[strings.ToLower(clean)] {
			continue
		}
		kept = append(kept, clean)
	}

	suggestion := strings.Join(kept, " ")
	if len(suggestion) > maxProjectNameLen {
		suggestion = strings.TrimSpace(suggestion[:maxProjectNameLen])
	}
	return suggestion
}

// Validation helpers for the four ID families.

// IsProjectID reports whether id matches the project ID form.
func IsProjectID(id string) bool { return projectIDPattern.MatchString(id) }

// IsEpicID reports whether id matches the epic ID form.
func IsEpicID(id string) bool { return epicIDPattern.MatchString(id) }

// IsTaskID reports whether id matches the task ID form.
func IsTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// IsDependencyID reports whether id matches the dependency ID form.
func IsDependencyID(id string) bool { return depIDPattern.MatchString(id) }
