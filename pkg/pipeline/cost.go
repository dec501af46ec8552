package pipeline

import (
	"math"
)

// CostHint is a rough monthly estimate for a plan. Best effort only;
// a deployment never fails over a cost estimate.
type CostHint struct {
	Method     string  `json:"method"`
	MonthlyUSD float64 `json:"monthly_usd"`
	Notes      string  `json:"notes,omitempty"`
}

// on-demand us-west-2 hourly rates, rounded
var instanceHourly = map[string]float64{
	"nano":   0.0042,
	"micro":  0.0084,
	"small":  0.0168,
	"medium": 0.0336,
	"large":  0.0672,
	"xlarge": 0.1344,
}

// EstimateCost computes a heuristic monthly estimate for an infra
// plan.
func EstimateCost(plan *InfraPlan) *CostHint {
	switch plan.Target {
	case "ec2":
		size, _ := plan.Parameters["instance_size"].(string)
		hourly, ok := instanceHourly[size]
		if !ok {
			hourly = instanceHourly["small"]
		}
		return &CostHint{
			Method:     "heuristic",
			MonthlyUSD: round2(hourly * 24 * 30),
			Notes:      "single on-demand instance, storage and egress excluded",
		}
	case "ecs_fargate":
		// 0.25 vCPU + 0.5 GB baseline task.
		hourly := 0.25*0.04048 + 0.5*0.004445
		return &CostHint{
			Method:     "heuristic",
			MonthlyUSD: round2(hourly * 24 * 30),
			Notes:      "one always-on fargate task, load balancer excluded",
		}
	case "s3_cf":
		return &CostHint{
			Method:     "heuristic",
			MonthlyUSD: 1.0,
			Notes:      "storage and CDN at low traffic",
		}
	}
	return &CostHint{Method: "heuristic", Notes: "unknown target"}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
