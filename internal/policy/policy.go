// internal/policy/policy.go

// Package policy holds the jurisdiction packs: which signals a workflow
// must collect before risk evaluation, and how risk bands map onto
// outcomes. The state machine stays jurisdiction-agnostic; it receives
// these rules as data.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

// Pack is one jurisdiction-specific rule set at a pinned version.
type Pack struct {
	Jurisdiction string
	PackID       string
	Version      string

	// RequiredSignals must all be present on the workflow before
	// signals.complete fires.
	RequiredSignals []string

	// OutcomeByBand maps the risk service's band onto a resolve outcome.
	OutcomeByBand map[string]models.Outcome
}

// Ref pins this pack on a decision record.
func (p Pack) Ref() models.PolicyRef {
	return models.PolicyRef{
		Jurisdiction: p.Jurisdiction,
		PackID:       p.PackID,
		PackVersion:  p.Version,
	}
}

// SignalsComplete reports whether every required signal has been observed.
func (p Pack) SignalsComplete(signals map[string]float64) bool {
	for _, name := range p.RequiredSignals {
		if _, ok := signals[name]; !ok {
			return false
		}
	}
	return true
}

// OutcomeForBand resolves a risk band. Unknown bands land in review so a
// surprising risk response never auto-approves.
func (p Pack) OutcomeForBand(band string) models.Outcome {
	if o, ok := p.OutcomeByBand[band]; ok {
		return o
	}
	return models.OutcomeReview
}

// Loader registers and resolves policy packs.
type Loader struct {
	packs map[string]Pack // jurisdiction_version -> pack
}

// NewLoader returns a loader carrying the default packs.
func NewLoader() *Loader {
	l := &Loader{packs: map[string]Pack{}}
	l.loadDefaultPacks()
	return l
}

func (l *Loader) loadDefaultPacks() {
	base := []string{models.SignalLiveness, models.SignalDocumentQuality, models.SignalMatchScore}

	l.Register(Pack{
		Jurisdiction:    "AU",
		PackID:          "au-core",
		Version:         "1.0.0",
		RequiredSignals: base,
		OutcomeByBand: map[string]models.Outcome{
			"low":    models.OutcomeApprove,
			"medium": models.OutcomeReview,
			"high":   models.OutcomeDecline,
		},
	})

	l.Register(Pack{
		Jurisdiction:    "EU",
		PackID:          "eu-core",
		Version:         "1.0.0",
		RequiredSignals: append([]string{models.SignalLivenessConfidence}, base...),
		OutcomeByBand: map[string]models.Outcome{
			"low":    models.OutcomeApprove,
			"medium": models.OutcomeReview,
			"high":   models.OutcomeDecline,
		},
	})

	// GCC runs enhanced due diligence: medium band declines.
	l.Register(Pack{
		Jurisdiction:    "GCC",
		PackID:          "gcc-core",
		Version:         "1.0.0",
		RequiredSignals: base,
		OutcomeByBand: map[string]models.Outcome{
			"low":    models.OutcomeApprove,
			"medium": models.OutcomeDecline,
			"high":   models.OutcomeDecline,
		},
	})
}

// Register adds or replaces a pack.
func (l *Loader) Register(p Pack) {
	l.packs[p.Jurisdiction+"_"+p.Version] = p
}

// Get resolves a pack. version "latest" picks the highest version
// registered for the jurisdiction.
func (l *Loader) Get(jurisdiction, version string) (Pack, error) {
	if version == "latest" || version == "" {
		var matching []Pack
		for _, p := range l.packs {
			if p.Jurisdiction == jurisdiction {
				matching = append(matching, p)
			}
		}
		if len(matching) == 0 {
			return Pack{}, fmt.Errorf("no policy pack for jurisdiction %q", jurisdiction)
		}
		sort.Slice(matching, func(i, j int) bool {
			a, b := strings.Split(matching[i].Version, "."), strings.Split(matching[j].Version, ".")
			for k := 0; k < len(a) && k < len(b); k++ {
				x, errX := strconv.Atoi(a[k])
				y, errY := strconv.Atoi(b[k])
				if errX != nil || errY != nil {
					if a[k] != b[k] {
						return a[k] > b[k]
					}
				} else if x != y {
					return x > y
				}
			}
			return len(a) > len(b)
		})
		return matching[0], nil
	}
	p, ok := l.packs[jurisdiction+"_"+version]
	if !ok {
		return Pack{}, fmt.Errorf("no policy pack %s_%s", jurisdiction, version)
	}
	return p, nil
}

// List returns registered pack metadata, sorted by jurisdiction and then
// by version string.
func (l *Loader) List() []models.PolicyRef {
	var out []models.PolicyRef
	for _, p := range l.packs {
		out = append(out, p.Ref())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Jurisdiction != out[j].Jurisdiction {
			return out[i].Jurisdiction < out[j].Jurisdiction
		}
		return out[i].PackVersion < out[j].PackVersion
	})
	return out
}
