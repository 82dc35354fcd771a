package zone

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/muzapapa-glitch/RasCam/internal/types"
)

var (
	// ErrZoneExists is returned when adding a zone whose name is taken
	ErrZoneExists = errors.New("zone already exists")
	// ErrZoneNotFound is returned when the named zone does not exist
	ErrZoneNotFound = errors.New("zone not found")
	// ErrZoneBounds is returned when a zone rectangle falls outside the frame
	ErrZoneBounds = errors.New("zone outside frame bounds")
)

// DefaultZoneName is the zone installed when configuration defines none.
const DefaultZoneName = "full_frame"

// Zone is a named rectangular region of the analysis frame checked
// independently for motion. A disabled zone keeps its configuration but
// does not contribute to detection.
type Zone struct {
	Name    string     `json:"name" yaml:"name"`
	Rect    types.Rect `json:"rect" yaml:"rect"`
	Enabled bool       `json:"enabled" yaml:"enabled"`
}

// Store holds the zone set for one camera. It is safe for concurrent use:
// the detection cycle reads snapshots while the control plane mutates.
type Store struct {
	mu          sync.RWMutex
	frameWidth  int
	frameHeight int
	zones       map[string]Zone
}

// NewStore creates an empty store validating zones against the given
// analysis frame dimensions.
func NewStore(frameWidth, frameHeight int) *Store {
	return &Store{
		frameWidth:  frameWidth,
		frameHeight: frameHeight,
		zones:       make(map[string]Zone),
	}
}

// FullFrame returns the default zone covering the whole analysis frame.
func FullFrame(frameWidth, frameHeight int) Zone {
	return Zone{
		Name:    DefaultZoneName,
		Rect:    types.Rect{X: 0, Y: 0, Width: frameWidth, Height: frameHeight},
		Enabled: true,
	}
}

// Add inserts a new zone. The name must be unused and the rectangle must
// lie entirely within the analysis frame; violations are rejected here,
// never at scoring time.
func (s *Store) Add(z Zone) error {
	if z.Name == "" {
		return fmt.Errorf("zone name is required")
	}
	if !z.Rect.Within(s.frameWidth, s.frameHeight) {
		return fmt.Errorf("zone %q rect %s in %dx%d frame: %w",
			z.Name, z.Rect, s.frameWidth, s.frameHeight, ErrZoneBounds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[z.Name]; ok {
		return fmt.Errorf("zone %q: %w", z.Name, ErrZoneExists)
	}
	s.zones[z.Name] = z
	return nil
}

// Remove deletes the named zone.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[name]; !ok {
		return fmt.Errorf("zone %q: %w", name, ErrZoneNotFound)
	}
	delete(s.zones, name)
	return nil
}

// Enable marks the named zone as participating in detection.
func (s *Store) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable excludes the named zone from detection while keeping its
// configuration for a later re-enable.
func (s *Store) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Store) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[name]
	if !ok {
		return fmt.Errorf("zone %q: %w", name, ErrZoneNotFound)
	}
	z.Enabled = enabled
	s.zones[name] = z
	return nil
}

// Get returns a copy of the named zone.
func (s *Store) Get(name string) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.zones[name]
	return z, ok
}

// List returns a snapshot of all zones sorted by name.
func (s *Store) List() []Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns a snapshot of the enabled zones sorted by name.
func (s *Store) Enabled() []Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		if z.Enabled {
			out = append(out, z)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of zones, enabled or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// FrameBounds returns the analysis frame dimensions zones are validated
// against.
func (s *Store) FrameBounds() (width, height int) {
	return s.frameWidth, s.frameHeight
}
