package provider

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Venue is where a backend executes.
type Venue string

const (
	VenueLocal  Venue = "local"
	VenueHosted Venue = "hosted"
)

// QualityTier ranks backends; higher is better.
type QualityTier int

const (
	TierEconomy QualityTier = iota + 1
	TierStandard
	TierPremium
)

var tierNames = map[QualityTier]string{
	TierEconomy:  "economy",
	TierStandard: "standard",
	TierPremium:  "premium",
}

func (t QualityTier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier accepts a tier name.
func ParseTier(s string) (QualityTier, error) {
	for t, n := range tierNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown quality tier %q", s)
}

// MarshalText encodes the zero tier (no minimum) as an empty string.
func (t QualityTier) MarshalText() ([]byte, error) {
	if t == 0 {
		return []byte{}, nil
	}
	if _, ok := tierNames[t]; !ok {
		return nil, fmt.Errorf("invalid quality tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *QualityTier) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*t = 0
		return nil
	}
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// BackendProfile describes one model backend option.
type BackendProfile struct {
	ModelID           string      `json:"model_id"`
	Provider          string      `json:"provider"`
	Venue             Venue       `json:"venue"`
	PricePerUnit      float64     `json:"price_per_unit"`
	QualityTier       QualityTier `json:"quality_tier"`
	ContextLimit      int         `json:"context_limit"`
	ExpectedLatencyMS int64       `json:"expected_latency_ms"`
	TaskTypes         []string    `json:"task_types,omitempty"` // empty = all
	Available         bool        `json:"available"`
}

// ExpectedLatency returns the latency estimate as a duration.
func (p BackendProfile) ExpectedLatency() time.Duration {
	return time.Duration(p.ExpectedLatencyMS) * time.Millisecond
}

// Supports reports whether the profile accepts the task type.
func (p BackendProfile) Supports(taskType string) bool {
	return len(p.TaskTypes) == 0 || taskType == "" || slices.Contains(p.TaskTypes, taskType)
}

// Choice returns the BackendChoice that selects this profile.
func (p BackendProfile) Choice() BackendChoice {
	if p.Venue == VenueLocal {
		return Local(p.ModelID)
	}
	return Hosted(p.Provider, p.ModelID)
}

// Validate checks the fields a selection relies on.
func (p BackendProfile) Validate() error {
	if p.ModelID == "" {
		return fmt.Errorf("backend profile: model_id is required")
	}
	switch p.Venue {
	case VenueLocal:
	case VenueHosted:
		if p.Provider == "" {
			return fmt.Errorf("backend profile %s: hosted backend needs a provider", p.ModelID)
		}
	default:
		return fmt.Errorf("backend profile %s: unknown venue %q", p.ModelID, p.Venue)
	}
	if _, ok := tierNames[p.QualityTier]; !ok {
		return fmt.Errorf("backend profile %s: invalid quality tier", p.ModelID)
	}
	if p.PricePerUnit < 0 {
		return fmt.Errorf("backend profile %s: negative price", p.ModelID)
	}
	return nil
}

// BackendChoice is the tagged result of a selection: a local model or a
// hosted provider/model pair.
type BackendChoice struct {
	Venue    Venue  `json:"venue"`
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"model_id"`
}

// Local selects a locally served model.
func Local(model string) BackendChoice {
	return BackendChoice{Venue: VenueLocal, ModelID: model}
}

// Hosted selects a model at a hosted provider.
func Hosted(provider, model string) BackendChoice {
	return BackendChoice{Venue: VenueHosted, Provider: provider, ModelID: model}
}

func (c BackendChoice) IsLocal() bool { return c.Venue == VenueLocal }

func (c BackendChoice) String() string {
	if c.IsLocal() {
		return "local:" + c.ModelID
	}
	return c.Provider + ":" + c.ModelID
}
