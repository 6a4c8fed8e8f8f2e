package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FallbackOperator names the profile used when an operator has no statistics.
const FallbackOperator = "average"

type DelayBucket struct {
	StartMinutes int     `json:"start"`
	Weight       float64 `json:"weight"`
}

// DelayProfile is an operator's observed schedule deviation.
type DelayProfile struct {
	Operator           string        `json:"operator"`
	CancelledPercent   float64       `json:"cancelled_percent"`
	SubstitutedPercent float64       `json:"substituted_percent"`
	Buckets            []DelayBucket `json:"delays"`
}

// DelayProfiles is keyed by lower case operator name and treated as read only.
type DelayProfiles map[string]DelayProfile

// NewDelayProfiles normalises operator names and sorts buckets by start.
func NewDelayProfiles(profiles []DelayProfile) (DelayProfiles, error) {
	out := DelayProfiles{}
	for _, p := range profiles {
		name := strings.ToLower(strings.TrimSpace(p.Operator))
		if name == "" {
			return nil, fmt.Errorf("delay profile without operator")
		}
		if p.CancelledPercent < 0 || p.CancelledPercent > 100 {
			return nil, fmt.Errorf("delay profile %s: cancelled percent %v out of range", name, p.CancelledPercent)
		}
		buckets := append([]DelayBucket(nil), p.Buckets...)
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].StartMinutes < buckets[j].StartMinutes })
		for _, b := range buckets {
			if b.Weight < 0 {
				return nil, fmt.Errorf("delay profile %s: negative weight", name)
			}
		}
		p.Operator = name
		p.Buckets = buckets
		out[name] = p
	}
	return out, nil
}

// ParseDelayProfiles reads a JSON array of profiles.
func ParseDelayProfiles(data []byte) (DelayProfiles, error) {
	var list []DelayProfile
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse delay profiles: %w", err)
	}
	return NewDelayProfiles(list)
}

// For returns the operator profile, falling back to the average profile.
func (p DelayProfiles) For(operator string) (DelayProfile, bool) {
	if prof, ok := p[strings.ToLower(operator)]; ok {
		return prof, true
	}
	prof, ok := p[FallbackOperator]
	return prof, ok
}

// Edge is an undirected street segment with its static capacity data.
type Edge struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Lanes  int     `json:"lanes,omitempty"`
	Length float64 `json:"length"`
}

// EdgeKey identifies an undirected edge, smaller node id first.
type EdgeKey struct {
	A int64
	B int64
}

func NewEdgeKey(a, b int64) EdgeKey {
	if a > b {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b}
}

func (e Edge) Key() EdgeKey {
	return NewEdgeKey(e.From, e.To)
}
