// Package matching ranks companies against an incentive: vector
// similarity from the store, a lexical overlap score, deterministic
// eligibility penalties and an optional LLM re-rank, fused into one
// score per company.
package matching

import (
	"strings"

	"github.com/incentix/incentix/internal/models"
)

// Rule names as they appear in fired-penalty maps and explanations.
const (
	RuleSize   = "size"
	RuleSector = "cae"
	RuleRegion = "geo"
)

// FilterConfig holds the penalty per rule and the geography tables.
// Values multiply into the final score, so 0.8 means a 20% demotion.
type FilterConfig struct {
	PenaltySize   float64
	PenaltySector float64
	PenaltyRegion float64

	// RegionAliases maps a region named in an incentive's scope to the
	// districts it covers.
	RegionAliases map[string][]string

	// CountryTokens mark a scope as nationwide.
	CountryTokens []string
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		PenaltySize:   0.8,
		PenaltySector: 0.7,
		PenaltyRegion: 0.9,
		RegionAliases: map[string][]string{
			"algarve": {"faro"},
			"centro":  {"coimbra", "leiria", "aveiro"},
			"norte":   {"porto", "braga", "vila real"},
			"lisboa":  {"lisboa", "setúbal"},
		},
		CountryTokens: []string{"portugal", "nacional", "todo o país", "todas as regiões"},
	}
}

// Filter applies the eligibility rules. It is deterministic and pure:
// same attrs and company, same penalties.
type Filter struct {
	cfg FilterConfig
}

func NewFilter(cfg FilterConfig) *Filter {
	def := DefaultFilterConfig()
	if cfg.PenaltySize <= 0 || cfg.PenaltySize > 1 {
		cfg.PenaltySize = def.PenaltySize
	}
	if cfg.PenaltySector <= 0 || cfg.PenaltySector > 1 {
		cfg.PenaltySector = def.PenaltySector
	}
	if cfg.PenaltyRegion <= 0 || cfg.PenaltyRegion > 1 {
		cfg.PenaltyRegion = def.PenaltyRegion
	}
	if cfg.RegionAliases == nil {
		cfg.RegionAliases = def.RegionAliases
	}
	if cfg.CountryTokens == nil {
		cfg.CountryTokens = def.CountryTokens
	}
	return &Filter{cfg: cfg}
}

// Apply returns the combined penalty in (0,1] and the rules that
// fired. Each rule fires at most once; absent attributes on either
// side keep the rule silent.
func (f *Filter) Apply(attrs models.StructuredAttrs, company *models.Company) (float64, map[string]float64) {
	penalty := 1.0
	fired := make(map[string]float64)

	if f.sizeMismatch(attrs, company) {
		fired[RuleSize] = f.cfg.PenaltySize
		penalty *= f.cfg.PenaltySize
	}
	if f.sectorMismatch(attrs, company) {
		fired[RuleSector] = f.cfg.PenaltySector
		penalty *= f.cfg.PenaltySector
	}
	if f.regionMismatch(attrs, company) {
		fired[RuleRegion] = f.cfg.PenaltyRegion
		penalty *= f.cfg.PenaltyRegion
	}
	return penalty, fired
}

func (f *Filter) sizeMismatch(attrs models.StructuredAttrs, company *models.Company) bool {
	if len(attrs.AllowedSizes) == 0 || company.Size == "" {
		return false
	}
	companySize := strings.ToLower(company.Size)
	for _, allowed := range attrs.AllowedSizes {
		size := strings.ToLower(allowed)
		// "não aplicável" in the list disables the rule entirely.
		if size == models.SizeNotApplicable {
			return false
		}
		if size == companySize {
			return false
		}
	}
	return true
}

func (f *Filter) sectorMismatch(attrs models.StructuredAttrs, company *models.Company) bool {
	if len(attrs.SectorCodes) == 0 || len(company.CAECodes) == 0 {
		return false
	}
	wanted := make(map[string]struct{}, len(attrs.SectorCodes))
	for _, code := range attrs.SectorCodes {
		wanted[code] = struct{}{}
	}
	for _, code := range company.CAECodes {
		if _, ok := wanted[code]; ok {
			return false
		}
	}
	return true
}

func (f *Filter) regionMismatch(attrs models.StructuredAttrs, company *models.Company) bool {
	if attrs.GeoScope == "" || company.District == "" {
		return false
	}
	scope := strings.ToLower(attrs.GeoScope)
	district := strings.ToLower(company.District)

	if strings.Contains(scope, district) {
		return false
	}
	for _, token := range f.cfg.CountryTokens {
		if strings.Contains(scope, token) {
			return false
		}
	}
	for region, districts := range f.cfg.RegionAliases {
		if !strings.Contains(scope, region) {
			continue
		}
		for _, covered := range districts {
			if covered == district {
				return false
			}
		}
	}
	return true
}
