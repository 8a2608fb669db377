package plan

import (
	"fmt"
	"strings"
)

// Languages supported for narration and localized metadata.
var supportedLanguages = map[string]bool{
	"ja": true,
	"en": true,
	"zh": true,
}

// Sentinel spot ids that clients use for "wherever I am now". These are a
// frontend concern and are rejected at the submit boundary; the origin
// coordinate is the only way to reference the user's position.
var sentinelIDs = map[string]bool{
	"current": true,
	"here":    true,
	"me":      true,
}

// ValidationError reports a malformed plan request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Normalize applies defaults in place: return_to_origin true and the default
// corridor widths when omitted.
func (r *PlanRequest) Normalize() {
	if r.ReturnToOrigin == nil {
		t := true
		r.ReturnToOrigin = &t
	}
	if r.Buffer == nil {
		r.Buffer = &Buffer{CarM: DefaultBufferCarM, FootM: DefaultBufferFootM}
	}
	if r.Buffer.CarM <= 0 {
		r.Buffer.CarM = DefaultBufferCarM
	}
	if r.Buffer.FootM <= 0 {
		r.Buffer.FootM = DefaultBufferFootM
	}
}

// Validate checks the request shape. Spot existence is checked later by the
// resolver; this only rejects what can be decided without the spatial store.
func (r *PlanRequest) Validate() error {
	if !supportedLanguages[r.Language] {
		return &ValidationError{Field: "language", Message: "must be one of ja, en, zh"}
	}
	if err := validCoord(r.Origin); err != nil {
		return &ValidationError{Field: "origin", Message: err.Error()}
	}
	if len(r.Waypoints) == 0 {
		return &ValidationError{Field: "waypoints", Message: "at least one waypoint is required"}
	}
	for i, w := range r.Waypoints {
		id := strings.TrimSpace(w.SpotID)
		if id == "" {
			return &ValidationError{Field: "waypoints", Message: fmt.Sprintf("waypoint %d has no spot_id", i)}
		}
		if sentinelIDs[id] {
			return &ValidationError{Field: "waypoints", Message: fmt.Sprintf("sentinel spot_id %q is not accepted; use origin instead", id)}
		}
	}
	return nil
}

// WaypointIDs returns the planned spot ids in request order.
func (r *PlanRequest) WaypointIDs() []string {
	ids := make([]string, 0, len(r.Waypoints))
	for _, w := range r.Waypoints {
		ids = append(ids, w.SpotID)
	}
	return ids
}

func validCoord(c Coord) error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("lat %v out of range", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("lon %v out of range", c.Lon)
	}
	return nil
}
