// Package tier maps subscription tiers to their entitlements and prices.
package tier

import (
	"errors"
	"fmt"
	"strings"
)

type Tier string

const (
	Free Tier = "free"
	Pro  Tier = "pro"
	Max  Tier = "max"
)

// ThinkingBudget is the reasoning token budget requested for tiers with
// extended reasoning enabled.
const ThinkingBudget = 10000

var (
	ErrUnknownTier = errors.New("unknown tier")
	ErrNoPrice     = errors.New("tier has no price")
)

// Limits describes what a tier is entitled to.
type Limits struct {
	Images    int
	Unlimited bool
	Model     string
	Speed     string
	Thinking  bool
}

var limits = map[Tier]Limits{
	Free: {Images: 15, Model: "gpt-4o-mini", Speed: "normal"},
	Pro:  {Images: 50, Model: "gpt-4o", Speed: "fast"},
	Max:  {Unlimited: true, Model: "o4-mini", Speed: "fastest", Thinking: true},
}

var prices = map[Tier]float64{
	Pro: 9.99,
	Max: 29.99,
}

var features = map[Tier][]string{
	Free: {
		"15 images per month",
		"GPT-4o Mini model",
		"Standard response speed",
	},
	Pro: {
		"50 images per month",
		"GPT-4o model",
		"Fast response speed",
		"Priority support",
	},
	Max: {
		"Unlimited images",
		"o4-mini with extended thinking",
		"Fastest response speed",
		"Priority support",
	},
}

// All lists the tiers in ascending order.
func All() []Tier {
	return []Tier{Free, Pro, Max}
}

func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := limits[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	_, ok := limits[t]
	return ok
}

func (t Tier) Paid() bool {
	_, ok := prices[t]
	return ok
}

func (t Tier) Label() string {
	switch t {
	case Pro:
		return "Pro"
	case Max:
		return "Max"
	default:
		return "Free"
	}
}

// LimitsFor is total: unrecognised tiers get the free entitlements.
func LimitsFor(t Tier) Limits {
	if l, ok := limits[t]; ok {
		return l
	}
	return limits[Free]
}

// PriceFor returns the monthly price in USD. Asking for the price of the
// free tier is a caller error.
func PriceFor(t Tier) (float64, error) {
	p, ok := prices[t]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, t)
	}
	return p, nil
}

// Remaining reports how many more images may be attached this period.
func Remaining(t Tier, used int) (int, bool) {
	l := LimitsFor(t)
	if l.Unlimited {
		return 0, true
	}
	if used >= l.Images {
		return 0, false
	}
	return l.Images - used, false
}

// Allows reports whether k more images fit in the quota given used.
func Allows(t Tier, used, k int) bool {
	l := LimitsFor(t)
	if l.Unlimited {
		return true
	}
	return used+k <= l.Images
}

func Features(t Tier) []string {
	return features[t]
}
