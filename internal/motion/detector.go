package motion

import (
	"fmt"
	"sync"

	"github.com/muzapapa-glitch/RasCam/internal/types"
	"github.com/muzapapa-glitch/RasCam/internal/zone"
)

// ZoneScore reports one zone's result for a processed frame.
type ZoneScore struct {
	Name string `json:"name"`
	// Score is the mean squared luminance difference against the
	// previous frame's region
	Score float64 `json:"score"`
	// Triggered means the score exceeded the threshold on this frame
	Triggered bool `json:"triggered"`
	// Consecutive is the zone's consecutive-trigger count after this frame
	Consecutive int `json:"consecutive"`
	// Firing means the debounce is satisfied and the zone reports motion
	Firing bool `json:"firing"`
}

// Detector scores enabled zones against the previous analysis frame and
// applies a consecutive-frame debounce. A single mutex covers scoring,
// threshold updates and zone mutations, so no frame is ever scored with
// a mixed threshold and counter resets are atomic with the zone change
// they follow from.
type Detector struct {
	mu             sync.Mutex
	store          *zone.Store
	threshold      float64
	requiredFrames int
	state          map[string]*zoneState
	framesSeen     uint64
}

// zoneState is the per-zone motion memory. prev is nil until the zone
// has seen its first frame after creation, enable or reset.
type zoneState struct {
	prev        []byte
	consecutive int
}

// New creates a detector over the given zone store.
func New(store *zone.Store, threshold float64, requiredFrames int) (*Detector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("invalid motion threshold %.2f (must be > 0)", threshold)
	}
	if requiredFrames < 1 {
		return nil, fmt.Errorf("invalid required consecutive frames %d (must be >= 1)", requiredFrames)
	}
	return &Detector{
		store:          store,
		threshold:      threshold,
		requiredFrames: requiredFrames,
		state:          make(map[string]*zoneState),
	}, nil
}

// ProcessFrame scores every enabled zone and returns the overall verdict
// plus per-zone details. The verdict is true only once some zone's
// consecutive-trigger count reaches the required frame count. Previous
// regions are replaced unconditionally at the end of every call. An
// empty or all-disabled zone set always yields false.
func (d *Detector) ProcessFrame(frame *types.AnalysisFrame) (bool, []ZoneScore) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.framesSeen++

	zones := d.store.Enabled()
	if len(zones) == 0 {
		return false, nil
	}

	detected := false
	scores := make([]ZoneScore, 0, len(zones))

	for _, z := range zones {
		st, ok := d.state[z.Name]
		if !ok {
			st = &zoneState{}
			d.state[z.Name] = st
		}

		cur := frame.Region(z.Rect)

		zs := ZoneScore{Name: z.Name}
		if len(st.prev) == len(cur) {
			zs.Score = meanSquaredDiff(st.prev, cur)
			zs.Triggered = zs.Score > d.threshold
			if zs.Triggered {
				st.consecutive++
			} else {
				st.consecutive = 0
			}
		}
		// First frame for this zone only records the region below.

		zs.Consecutive = st.consecutive
		zs.Firing = st.consecutive >= d.requiredFrames
		if zs.Firing {
			detected = true
		}

		st.prev = cur
		scores = append(scores, zs)
	}

	return detected, scores
}

// meanSquaredDiff computes the mean squared difference between two
// equal-length luminance regions.
func meanSquaredDiff(a, b []byte) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum int64
	for i := range a {
		d := int64(a[i]) - int64(b[i])
		sum += d * d
	}
	return float64(sum) / float64(len(a))
}

// AddZone inserts a zone and initializes its motion state.
func (d *Detector) AddZone(z zone.Zone) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Add(z); err != nil {
		return err
	}
	d.state[z.Name] = &zoneState{}
	return nil
}

// RemoveZone deletes a zone together with its motion state.
func (d *Detector) RemoveZone(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Remove(name); err != nil {
		return err
	}
	delete(d.state, name)
	return nil
}

// EnableZone re-enables a zone. Counting starts from zero, not from the
// count the zone had before it was disabled.
func (d *Detector) EnableZone(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Enable(name); err != nil {
		return err
	}
	d.state[name] = &zoneState{}
	return nil
}

// DisableZone excludes a zone from scoring and resets its motion state.
func (d *Detector) DisableZone(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Disable(name); err != nil {
		return err
	}
	d.state[name] = &zoneState{}
	return nil
}

// UpdateThreshold replaces the global threshold for all zones from the
// next processed frame onward.
func (d *Detector) UpdateThreshold(v float64) error {
	if v <= 0 {
		return fmt.Errorf("invalid motion threshold %.2f (must be > 0)", v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = v
	return nil
}

// Threshold returns the current global threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// UpdateRequiredFrames replaces the debounce length.
func (d *Detector) UpdateRequiredFrames(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid required consecutive frames %d (must be >= 1)", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requiredFrames = n
	return nil
}

// RequiredFrames returns the current debounce length.
func (d *Detector) RequiredFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requiredFrames
}

// FramesSeen returns the number of frames processed since creation.
func (d *Detector) FramesSeen() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.framesSeen
}

// Zones returns the underlying zone store.
func (d *Detector) Zones() *zone.Store {
	return d.store
}
