package match

import "math"

// eloUpdates computes post-match ratings from final placements. Every pair
// of participants is scored as a head-to-head Elo game (win, loss, or draw
// on tied placement) and each player's pairwise deltas are averaged, so
// match size does not inflate rating movement.
func eloUpdates(ratings map[string]float64, placements map[string]int, k, floor float64) map[string]float64 {
	if len(ratings) < 2 {
		return nil
	}

	deltas := make(map[string]float64, len(ratings))
	for a, ra := range ratings {
		for b, rb := range ratings {
			if a == b {
				continue
			}
			expected := 1 / (1 + math.Pow(10, (rb-ra)/400))
			deltas[a] += k * (outcome(placements[a], placements[b]) - expected)
		}
	}

	updated := make(map[string]float64, len(ratings))
	opponents := float64(len(ratings) - 1)
	for id, r := range ratings {
		updated[id] = math.Max(floor, r+deltas[id]/opponents)
	}
	return updated
}

func outcome(placeA, placeB int) float64 {
	switch {
	case placeA < placeB:
		return 1
	case placeA > placeB:
		return 0
	default:
		return 0.5
	}
}
