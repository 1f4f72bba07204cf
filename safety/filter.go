// Package safety screens retrieved chunks for prompt-injection attempts
// before they reach the language model.
package safety

import (
	"regexp"
	"strings"

	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
)

// pattern is one catalog entry. The slug labels the detection counter, so
// the catalog bounds metric cardinality.
type pattern struct {
	slug   string
	re     *regexp.Regexp
	weight float64
}

// catalog is the fixed detection set. Weights accumulate into the risk
// score, capped at 1.
var catalog = []pattern{
	{"ignore_instructions", regexp.MustCompile(`(?i)(ignore|disregard|olvida|ignora)\s+(all\s+)?(previous|prior|above|las|todas las)?\s*(instructions|instrucciones|directives|rules|reglas)`), 0.7},
	{"reveal_system_prompt", regexp.MustCompile(`(?i)(reveal|show|print|expose|revela|muestra)\s+(the\s+|el\s+)?(system\s+prompt|hidden\s+prompt|initial\s+prompt|prompt\s+del\s+sistema)`), 0.7},
	{"tool_override", regexp.MustCompile(`(?i)(tool|function|api)\s+(override|call\s+override|injection)`), 0.6},
	{"role_hijack", regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+to\s+be|ahora\s+sos|actu[aá]\s+como)\s`), 0.4},
	{"exfiltrate_secrets", regexp.MustCompile(`(?i)(api[_\s-]?key|secret|password|contraseña|token)s?\s+(leak|exfiltrate|send|reveal|share)`), 0.5},
	{"new_instructions", regexp.MustCompile(`(?i)(new|nuevas)\s+(instructions|instrucciones)\s*:`), 0.5},
}

// Detection is the outcome of scoring one chunk.
type Detection struct {
	RiskScore float64
	Patterns  []string
}

// Flagged reports whether any catalog pattern matched.
func (d Detection) Flagged() bool { return len(d.Patterns) > 0 }

// Score matches the content against the catalog and accumulates a risk
// score in [0,1].
func Score(content string) Detection {
	var d Detection
	for _, p := range catalog {
		if p.re.MatchString(content) {
			d.Patterns = append(d.Patterns, p.slug)
			d.RiskScore += p.weight
		}
	}
	if d.RiskScore > 1 {
		d.RiskScore = 1
	}
	return d
}

// Filter applies the configured injection mode to retrieved hits.
type Filter struct {
	mode      config.InjectionMode
	threshold float64
	metrics   *metrics.Metrics
}

func NewFilter(mode config.InjectionMode, threshold float64, m *metrics.Metrics) *Filter {
	return &Filter{mode: mode, threshold: threshold, metrics: m}
}

// Annotate scores a chunk and, when flagged, attaches the security metadata
// used by both ingestion and retrieval paths.
func (f *Filter) Annotate(chunk *model.DocumentChunk) Detection {
	d := Score(chunk.Content)
	if !d.Flagged() {
		return d
	}
	if chunk.Metadata == nil {
		chunk.Metadata = model.JSONMap{}
	}
	chunk.Metadata["security_flags"] = true
	chunk.Metadata["risk_score"] = d.RiskScore
	chunk.Metadata["detected_patterns"] = strings.Join(d.Patterns, ",")
	f.count(d)
	return d
}

// Apply reorders or drops risky hits per the filter mode. Mode off returns
// the input untouched. Downrank moves hits at or above the threshold to the
// end, preserving relative order within both groups. Exclude drops them.
func (f *Filter) Apply(hits []model.SearchHit) []model.SearchHit {
	if f.mode == config.InjectionOff || len(hits) == 0 {
		return hits
	}

	clean := make([]model.SearchHit, 0, len(hits))
	var risky []model.SearchHit
	for _, hit := range hits {
		d := Score(hit.Chunk.Content)
		if d.RiskScore < f.threshold {
			clean = append(clean, hit)
			continue
		}
		f.count(d)
		if hit.Chunk.Metadata == nil {
			hit.Chunk.Metadata = model.JSONMap{}
		}
		hit.Chunk.Metadata["security_flags"] = true
		hit.Chunk.Metadata["risk_score"] = d.RiskScore
		hit.Chunk.Metadata["detected_patterns"] = strings.Join(d.Patterns, ",")
		risky = append(risky, hit)
	}

	if f.mode == config.InjectionExclude {
		return clean
	}
	return append(clean, risky...)
}

func (f *Filter) count(d Detection) {
	if f.metrics == nil {
		return
	}
	for _, slug := range d.Patterns {
		f.metrics.InjectionDetected.WithLabelValues(slug).Inc()
	}
}
