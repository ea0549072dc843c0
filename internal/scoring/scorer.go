package scoring

import (
	"math"

	"github.com/example/delivery-dispatch/internal/geomath"
	"github.com/example/delivery-dispatch/internal/models"
)

// DefaultMaxRadiusKm is the eligibility cutoff when none is configured.
const DefaultMaxRadiusKm = 10.0

// Scored is one eligible candidate with its rounded score and the raw
// distance kept for tie-breaking.
type Scored struct {
	Candidate  models.DriverCandidate
	Score      int
	DistanceKm float64
}

type Scorer struct {
	MaxRadiusKm float64
}

func New(maxRadiusKm float64) *Scorer {
	if maxRadiusKm <= 0 {
		maxRadiusKm = DefaultMaxRadiusKm
	}
	return &Scorer{MaxRadiusKm: maxRadiusKm}
}

// Score evaluates one candidate against the request location. The second
// return is false when the candidate fails a hard eligibility cutoff;
// ineligible candidates are excluded, never scored at zero.
func (s *Scorer) Score(c models.DriverCandidate, loc models.Coord) (Scored, bool) {
	if !c.Online || !c.Available || !c.Verified {
		return Scored{}, false
	}
	dist := geomath.DistanceKm(c.Loc, loc)
	if dist > s.MaxRadiusKm {
		return Scored{}, false
	}

	// Sequential weighted blend: each step mixes the running score with the
	// next sub-score. Distance dominates early; later factors nudge.
	distScore := math.Max(0, 100-dist*10)
	r := distScore*0.6 + 100*0.4
	r = r*0.7 + (c.Rating/5.0*100)*0.3
	r = r*0.9 + math.Min(float64(c.CompletedJobs), 100)*0.1
	if c.AvgMinutes > 0 {
		speedScore := math.Max(0, 100-(c.AvgMinutes-20)*2)
		r = r*0.95 + speedScore*0.05
	}

	return Scored{Candidate: c, Score: int(math.Round(r)), DistanceKm: dist}, true
}

// Better reports whether a should be preferred over b: higher score, then
// smaller raw distance, then smaller driver id, so repeated runs over the
// same inputs always pick the same winner.
func Better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.Candidate.ID < b.Candidate.ID
}

// Best returns the winning candidate from a scored slice.
func Best(list []Scored) (Scored, bool) {
	if len(list) == 0 {
		return Scored{}, false
	}
	best := list[0]
	for _, s := range list[1:] {
		if Better(s, best) {
			best = s
		}
	}
	return best, true
}
