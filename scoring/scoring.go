// Package scoring computes the authoritative quality score and work units
// for a completed job from its execution manifest. Output depends only on
// manifest content; client-declared values are never consulted.
package scoring

import (
	"math"

	"github.com/botmarket/settlement"
)

// MaxQualityScore caps every policy's output.
const MaxQualityScore = 120

// Result holds the recomputed settlement inputs for one manifest.
type Result struct {
	QualityScore int `json:"qualityScore"`
	WorkUnits    int `json:"workUnits"`
}

// Score dispatches on the manifest's service type and applies that type's
// scoring policy. Unknown types fall back to {100, 1}; the pipeline rejects
// unknown types before scoring, so the default is only reachable through
// direct library use.
func Score(m *settlement.ExecutionManifest) Result {
	switch m.ServiceType {
	case settlement.ServiceInspection:
		return scoreInspection(m)
	case settlement.ServiceSecurityPatrol:
		return scorePatrol(m)
	case settlement.ServiceDelivery:
		return scoreDelivery(m)
	default:
		return Result{QualityScore: 100, WorkUnits: 1}
	}
}

// scoreInspection: coverage ratio worth 80 points, any artifact evidence
// worth a flat 20. Work units count visited coverage cells plus artifacts.
func scoreInspection(m *settlement.ExecutionManifest) Result {
	visited, total := 0, 0
	if m.Inspection != nil {
		visited = m.Inspection.CoverageVisited
		total = m.Inspection.CoverageTotal
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(visited) / float64(total)
	}
	score := math.Round(ratio * 80)
	if len(m.Artifacts) > 0 {
		score += 20
	}

	return Result{
		QualityScore: capScore(int(score)),
		WorkUnits:    visited + len(m.Artifacts),
	}
}

// scorePatrol: checkpoint completion worth 70%, dwell compliance against a
// 30-second target worth 30%.
func scorePatrol(m *settlement.ExecutionManifest) Result {
	var p settlement.PatrolData
	if m.Patrol != nil {
		p = *m.Patrol
	}

	checkpointRatio := 0.0
	switch {
	case len(p.CheckpointsExpected) > 0:
		checkpointRatio = float64(len(p.CheckpointsVisited)) / float64(len(p.CheckpointsExpected))
	case len(p.CheckpointsVisited) >= 1:
		// No expected list published for the route; visiting anything at
		// all counts as full completion.
		checkpointRatio = 1.0
	}

	dwellCompliance := math.Min(p.AvgDwellSeconds/30.0, 1.0)

	score := math.Round(checkpointRatio*70 + dwellCompliance*30)
	return Result{
		QualityScore: capScore(int(score)),
		WorkUnits:    len(p.CheckpointsVisited),
	}
}

// scoreDelivery: 40 points per endpoint proof, 10 for a route digest, 10
// for a plausible duration under two hours.
func scoreDelivery(m *settlement.ExecutionManifest) Result {
	var d settlement.DeliveryData
	if m.Delivery != nil {
		d = *m.Delivery
	}

	score := 0
	if d.PickupProof != "" {
		score += 40
	}
	if d.DropoffProof != "" {
		score += 40
	}
	if m.RouteDigest != "" {
		score += 10
	}
	if mins := m.DurationMinutes(); mins > 0 && mins < 120 {
		score += 10
	}

	return Result{QualityScore: capScore(score), WorkUnits: 1}
}

func capScore(s int) int {
	if s > MaxQualityScore {
		return MaxQualityScore
	}
	if s < 0 {
		return 0
	}
	return s
}
