package match

// Static inter-region latency estimates in milliseconds, measured between
// reference points in each region. Symmetric; same-region pairs are 0.
var regionLatency = map[string]map[string]float64{
	"us-east": {
		"us-west": 70, "eu-west": 80, "eu-central": 95,
		"ap-southeast": 220, "ap-northeast": 170, "sa-east": 120,
	},
	"us-west": {
		"us-east": 70, "eu-west": 140, "eu-central": 155,
		"ap-southeast": 165, "ap-northeast": 110, "sa-east": 180,
	},
	"eu-west": {
		"us-east": 80, "us-west": 140, "eu-central": 25,
		"ap-southeast": 175, "ap-northeast": 230, "sa-east": 190,
	},
	"eu-central": {
		"us-east": 95, "us-west": 155, "eu-west": 25,
		"ap-southeast": 160, "ap-northeast": 250, "sa-east": 210,
	},
	"ap-southeast": {
		"us-east": 220, "us-west": 165, "eu-west": 175,
		"eu-central": 160, "ap-northeast": 70, "sa-east": 320,
	},
	"ap-northeast": {
		"us-east": 170, "us-west": 110, "eu-west": 230,
		"eu-central": 250, "ap-southeast": 70, "sa-east": 270,
	},
	"sa-east": {
		"us-east": 120, "us-west": 180, "eu-west": 190,
		"eu-central": 210, "ap-southeast": 320, "ap-northeast": 270,
	},
}

const unknownLatency = 999

// latencyBetween estimates the latency between two regions. Unknown pairs
// report a value beyond any sensible ceiling so they never match.
func latencyBetween(a, b string) float64 {
	if a == b {
		return 0
	}
	if row, ok := regionLatency[a]; ok {
		if ms, ok := row[b]; ok {
			return ms
		}
	}
	return unknownLatency
}

// hostRegion picks the region among the group minimizing the average
// latency to every member.
func hostRegion(regions []string) string {
	if len(regions) == 0 {
		return ""
	}
	best := regions[0]
	bestAvg := -1.0
	for _, candidate := range regions {
		total := 0.0
		for _, other := range regions {
			total += latencyBetween(candidate, other)
		}
		avg := total / float64(len(regions))
		if bestAvg < 0 || avg < bestAvg {
			best, bestAvg = candidate, avg
		}
	}
	return best
}
