package waterfall

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/source"
)

// Config is the declarative per-source lookup configuration.
type Config struct {
	Defaults Defaults                `yaml:"defaults"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// Defaults holds values inherited by sources and strategies.
type Defaults struct {
	ConfidenceThreshold float64            `yaml:"confidence_threshold"`
	Timeout             time.Duration      `yaml:"timeout"`
	TimeDecay           source.DecayConfig `yaml:"time_decay"`
}

// SourceConfig describes one enrichment source.
type SourceConfig struct {
	Name    string        `yaml:"-"`
	Enabled *bool         `yaml:"enabled,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Fields maps response fields to signal kinds.
	Fields map[string]model.SignalKind `yaml:"fields"`
	// Provides lists identity fields this source's signals feed to other
	// sources' strategies.
	Provides   []string            `yaml:"provides,omitempty"`
	TimeDecay  *source.DecayConfig `yaml:"time_decay,omitempty"`
	Strategies []Strategy          `yaml:"strategies"`
}

// Strategy is one named lookup method, tried in declared order.
type Strategy struct {
	Name string `yaml:"name"`
	// Inputs must all be present for the strategy to be attempted.
	Inputs []string `yaml:"inputs"`
	// Optional inputs are sent when available.
	Optional  []string `yaml:"optional,omitempty"`
	Threshold float64  `yaml:"threshold"`
	// Ceiling caps the confidence a match by this strategy can carry.
	Ceiling float64 `yaml:"ceiling"`
	// Normalize maps an input key to a normalizer name.
	Normalize map[string]string `yaml:"normalize,omitempty"`
}

// IsEnabled reports whether the source should be consulted.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Needs reports whether any strategy uses key as a required input.
func (s SourceConfig) Needs(key string) bool {
	for _, st := range s.Strategies {
		for _, in := range st.Inputs {
			if in == key {
				return true
			}
		}
	}
	return false
}

// LoadConfig reads waterfall config from a YAML file with a top-level
// "waterfall" key, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}
	cfg := &wrapper.Waterfall
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.ConfidenceThreshold == 0 {
		c.Defaults.ConfidenceThreshold = 0.7
	}
	if c.Defaults.Timeout == 0 {
		c.Defaults.Timeout = 10 * time.Second
	}
	for name, sc := range c.Sources {
		sc.Name = name
		if sc.Timeout == 0 {
			sc.Timeout = c.Defaults.Timeout
		}
		if sc.TimeDecay == nil {
			d := c.Defaults.TimeDecay
			sc.TimeDecay = &d
		}
		for i := range sc.Strategies {
			if sc.Strategies[i].Threshold == 0 {
				sc.Strategies[i].Threshold = c.Defaults.ConfidenceThreshold
			}
			if sc.Strategies[i].Ceiling == 0 {
				sc.Strategies[i].Ceiling = 1
			}
		}
		c.Sources[name] = sc
	}
}

// Validate checks the configuration for inconsistencies. Errors are fatal at
// startup.
func (c *Config) Validate() error {
	var errs []string
	if len(c.Sources) == 0 {
		errs = append(errs, "no sources configured")
	}

	provided := map[string]string{}
	for _, name := range c.SourceNames() {
		for _, p := range c.Sources[name].Provides {
			provided[p] = name
		}
	}

	for _, name := range c.SourceNames() {
		sc := c.Sources[name]
		if len(sc.Strategies) == 0 {
			errs = append(errs, fmt.Sprintf("%s: no strategies", name))
		}
		if len(sc.Fields) == 0 {
			errs = append(errs, fmt.Sprintf("%s: no fields mapped", name))
		}
		seen := map[string]bool{}
		for i, st := range sc.Strategies {
			label := fmt.Sprintf("%s.strategies[%d]", name, i)
			if st.Name == "" {
				errs = append(errs, label+": name is required")
			} else if seen[st.Name] {
				errs = append(errs, fmt.Sprintf("%s: duplicate strategy %q", name, st.Name))
			}
			seen[st.Name] = true
			if len(st.Inputs) == 0 {
				errs = append(errs, label+": at least one input is required")
			}
			if st.Threshold <= 0 || st.Threshold > 1 {
				errs = append(errs, fmt.Sprintf("%s: threshold %.2f outside (0,1]", label, st.Threshold))
			}
			if st.Ceiling <= 0 || st.Ceiling > 1 {
				errs = append(errs, fmt.Sprintf("%s: ceiling %.2f outside (0,1]", label, st.Ceiling))
			}
			if st.Ceiling < st.Threshold {
				errs = append(errs, fmt.Sprintf("%s: ceiling %.2f below threshold %.2f can never resolve", label, st.Ceiling, st.Threshold))
			}
			for key, n := range st.Normalize {
				if !KnownNormalizer(n) {
					errs = append(errs, fmt.Sprintf("%s: unknown normalizer %q for %s", label, n, key))
				}
			}
			for _, in := range st.Inputs {
				if by, ok := provided[in]; ok && by == name {
					errs = append(errs, fmt.Sprintf("%s: input %s is provided by the same source", label, in))
				}
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("waterfall: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SourceNames returns configured source names in sorted order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for n := range c.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Provider returns the source providing key, if any.
func (c *Config) Provider(key string) (string, bool) {
	for _, name := range c.SourceNames() {
		sc := c.Sources[name]
		if !sc.IsEnabled() {
			continue
		}
		for _, p := range sc.Provides {
			if p == key {
				return name, true
			}
		}
	}
	return "", false
}

// DefaultConfig returns the built-in configuration for the six standard
// sources.
func DefaultConfig() *Config {
	cfg := &Config{
		Defaults: Defaults{
			ConfidenceThreshold: 0.7,
			Timeout:             10 * time.Second,
			TimeDecay:           source.DecayConfig{HalfLifeDays: 365, Floor: 0.2},
		},
		Sources: map[string]SourceConfig{
			"license": {
				Timeout: 12 * time.Second,
				Fields: map[string]model.SignalKind{
					"license_status":     model.SignalLicenseStatus,
					"license_number":     model.SignalLicenseNumber,
					"license_expires_at": model.SignalLicenseExpiresAt,
				},
				Strategies: []Strategy{
					{
						Name: "by_license_number", Inputs: []string{model.FieldLicenseNumber}, Optional: []string{model.FieldState},
						Threshold: 0.9, Ceiling: 1.0,
						Normalize: map[string]string{model.FieldLicenseNumber: NormIdentifier},
					},
					{
						Name: "by_owner_name", Inputs: []string{model.FieldOwnerName}, Optional: []string{model.FieldState, model.FieldCity},
						Threshold: 0.75, Ceiling: 0.85,
						Normalize: map[string]string{model.FieldOwnerName: NormPersonName, model.FieldCity: NormFold},
					},
					{
						Name: "by_business_name", Inputs: []string{model.FieldBusinessName}, Optional: []string{model.FieldState, model.FieldCity},
						Threshold: 0.7, Ceiling: 0.8,
						Normalize: map[string]string{model.FieldBusinessName: NormBusinessName, model.FieldCity: NormFold},
					},
				},
			},
			"reputation": {
				Fields: map[string]model.SignalKind{
					"bbb_rating":         model.SignalBBBRating,
					"bbb_complaints_3yr": model.SignalBBBComplaints3yr,
					"bbb_accredited":     model.SignalBBBAccredited,
				},
				Strategies: []Strategy{
					{
						Name: "by_phone", Inputs: []string{model.FieldPhone}, Optional: []string{model.FieldBusinessName},
						Threshold: 0.85, Ceiling: 0.95,
						Normalize: map[string]string{model.FieldPhone: NormPhone},
					},
					{
						Name: "by_name_city", Inputs: []string{model.FieldBusinessName, model.FieldCity}, Optional: []string{model.FieldState},
						Threshold: 0.75, Ceiling: 0.9,
						Normalize: map[string]string{model.FieldBusinessName: NormBusinessName, model.FieldCity: NormFold},
					},
					{
						Name: "by_website", Inputs: []string{model.FieldWebsite},
						Threshold: 0.7, Ceiling: 0.85,
						Normalize: map[string]string{model.FieldWebsite: NormDomain},
					},
				},
			},
			"performance": {
				Timeout: 20 * time.Second,
				Fields: map[string]model.SignalKind{
					"performance_score": model.SignalPerformanceScore,
					"mobile_friendly":   model.SignalMobileFriendly,
				},
				Strategies: []Strategy{{Name: "direct", Inputs: []string{model.FieldWebsite}, Threshold: 0.5, Ceiling: 1}},
			},
			"visual": {
				Timeout: 30 * time.Second,
				Fields: map[string]model.SignalKind{
					"visual_score": model.SignalVisualScore,
					"design_era":   model.SignalDesignEra,
				},
				Strategies: []Strategy{{Name: "direct", Inputs: []string{model.FieldWebsite}, Threshold: 0.5, Ceiling: 1}},
			},
			"address": {
				Fields: map[string]model.SignalKind{
					"address_verified": model.SignalAddressVerified,
					"address_type":     model.SignalAddressType,
				},
				Strategies: []Strategy{{
					Name: "direct", Inputs: []string{model.FieldAddress},
					Optional:  []string{model.FieldStreet, model.FieldCity, model.FieldState, model.FieldZipCode},
					Threshold: 0.5, Ceiling: 1,
				}},
			},
			source.OwnerSourceName: {
				Timeout:  15 * time.Second,
				Fields:   map[string]model.SignalKind{"owner_name": model.SignalOwnerName},
				Provides: []string{model.FieldOwnerName},
				Strategies: []Strategy{{
					Name: "direct", Inputs: []string{model.FieldWebsite},
					Threshold: 0.6, Ceiling: 0.9,
				}},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
