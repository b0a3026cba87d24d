package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPolicyUpdate is returned when a partial update fails schema or
// range validation. The previous snapshot stays authoritative.
var ErrInvalidPolicyUpdate = errors.New("invalid policy update")

// AssetLimit holds per-symbol limits.
type AssetLimit struct {
	MaxNotional float64 `json:"maxNotional" yaml:"max_notional" validate:"gt=0"`
}

// RiskPolicy is an immutable snapshot of the live risk limits. Callers get
// copies; the store swaps whole snapshots on update.
type RiskPolicy struct {
	MaxNotional      float64               `json:"maxNotional" yaml:"max_notional" validate:"gt=0"`
	MaxDrawdown      float64               `json:"maxDrawdown" yaml:"max_drawdown" validate:"gte=0"`
	AllowedSymbols   []string              `json:"allowedSymbols" yaml:"allowed_symbols" validate:"dive,required"`
	AllowLive        bool                  `json:"allowLive" yaml:"allow_live"`
	KillSwitch       bool                  `json:"killSwitch" yaml:"kill_switch"`
	PerAsset         map[string]AssetLimit `json:"perAsset" yaml:"per_asset" validate:"dive"`
	MaxOpenPositions int                   `json:"maxOpenPositions" yaml:"max_open_positions" validate:"gte=0"`
	// MaxDailyLoss is a signed PnL floor, typically negative.
	MaxDailyLoss float64 `json:"maxDailyLoss" yaml:"max_daily_loss" validate:"lte=0"`
	CanaryPct    float64 `json:"canaryPct" yaml:"canary_pct" validate:"gte=0,lte=100"`
}

// DefaultPolicy is the policy installed at process start.
func DefaultPolicy() RiskPolicy {
	return RiskPolicy{
		MaxNotional:      10000,
		MaxDrawdown:      0.2,
		AllowedSymbols:   nil,
		AllowLive:        false,
		KillSwitch:       false,
		PerAsset:         map[string]AssetLimit{},
		MaxOpenPositions: 10,
		MaxDailyLoss:     -1000,
		CanaryPct:        100,
	}
}

// PermitsSymbol reports whether symbol is tradable. An empty allow list
// permits every symbol.
func (p RiskPolicy) PermitsSymbol(symbol string) bool {
	if len(p.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range p.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// AssetLimitFor returns the per-asset limit for symbol, if any.
func (p RiskPolicy) AssetLimitFor(symbol string) (AssetLimit, bool) {
	l, ok := p.PerAsset[symbol]
	return l, ok
}

func (p RiskPolicy) clone() RiskPolicy {
	out := p
	if p.AllowedSymbols != nil {
		out.AllowedSymbols = append([]string(nil), p.AllowedSymbols...)
	}
	out.PerAsset = make(map[string]AssetLimit, len(p.PerAsset))
	for k, v := range p.PerAsset {
		out.PerAsset[k] = v
	}
	return out
}

// PolicyUpdate is a partial policy. Nil fields are left untouched. PerAsset
// entries are merged key by key; AllowedSymbols replaces the whole set.
type PolicyUpdate struct {
	MaxNotional      *float64              `json:"maxNotional,omitempty" yaml:"max_notional,omitempty"`
	MaxDrawdown      *float64              `json:"maxDrawdown,omitempty" yaml:"max_drawdown,omitempty"`
	AllowedSymbols   *[]string             `json:"allowedSymbols,omitempty" yaml:"allowed_symbols,omitempty"`
	AllowLive        *bool                 `json:"allowLive,omitempty" yaml:"allow_live,omitempty"`
	KillSwitch       *bool                 `json:"killSwitch,omitempty" yaml:"kill_switch,omitempty"`
	PerAsset         map[string]AssetLimit `json:"perAsset,omitempty" yaml:"per_asset,omitempty"`
	MaxOpenPositions *int                  `json:"maxOpenPositions,omitempty" yaml:"max_open_positions,omitempty"`
	MaxDailyLoss     *float64              `json:"maxDailyLoss,omitempty" yaml:"max_daily_loss,omitempty"`
	CanaryPct        *float64              `json:"canaryPct,omitempty" yaml:"canary_pct,omitempty"`
}

// DecodePolicyUpdate reads a JSON partial update, rejecting unknown fields.
func DecodePolicyUpdate(r io.Reader) (PolicyUpdate, error) {
	var u PolicyUpdate
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return PolicyUpdate{}, fmt.Errorf("%w: %v", ErrInvalidPolicyUpdate, err)
	}
	return u, nil
}

// Merge returns a new policy with the non-nil fields of u applied to p.
func (p RiskPolicy) Merge(u PolicyUpdate) RiskPolicy {
	out := p.clone()
	if u.MaxNotional != nil {
		out.MaxNotional = *u.MaxNotional
	}
	if u.MaxDrawdown != nil {
		out.MaxDrawdown = *u.MaxDrawdown
	}
	if u.AllowedSymbols != nil {
		syms := append([]string(nil), (*u.AllowedSymbols)...)
		sort.Strings(syms)
		out.AllowedSymbols = syms
	}
	if u.AllowLive != nil {
		out.AllowLive = *u.AllowLive
	}
	if u.KillSwitch != nil {
		out.KillSwitch = *u.KillSwitch
	}
	for sym, l := range u.PerAsset {
		out.PerAsset[sym] = l
	}
	if u.MaxOpenPositions != nil {
		out.MaxOpenPositions = *u.MaxOpenPositions
	}
	if u.MaxDailyLoss != nil {
		out.MaxDailyLoss = *u.MaxDailyLoss
	}
	if u.CanaryPct != nil {
		out.CanaryPct = *u.CanaryPct
	}
	return out
}

var policyValidator = newPolicyValidator()

func newPolicyValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges. Errors wrap ErrInvalidPolicyUpdate.
func (p RiskPolicy) Validate() error {
	for sym := range p.PerAsset {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("%w: perAsset: empty symbol", ErrInvalidPolicyUpdate)
		}
	}
	err := policyValidator.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidPolicyUpdate, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s%s", fe.Namespace(), fe.Tag(), paramSuffix(fe.Param())))
	}
	return fmt.Errorf("%w: %s", ErrInvalidPolicyUpdate, strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// PolicyStore holds the current policy snapshot. Reads are lock-free; updates
// are serialized and either install a complete validated snapshot or nothing.
type PolicyStore struct {
	mu  sync.Mutex
	cur atomic.Pointer[RiskPolicy]
}

// NewPolicyStore validates initial and installs it.
func NewPolicyStore(initial RiskPolicy) (*PolicyStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &PolicyStore{}
	p := initial.clone()
	s.cur.Store(&p)
	return s, nil
}

// Snapshot returns a copy of the current policy.
func (s *PolicyStore) Snapshot() RiskPolicy {
	return s.cur.Load().clone()
}

// load returns the live snapshot without copying. Callers must not mutate it.
func (s *PolicyStore) load() *RiskPolicy {
	return s.cur.Load()
}

// Update merges u into the current snapshot and installs the result.
func (s *PolicyStore) Update(u PolicyUpdate) (RiskPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Merge(u)
	if err := next.Validate(); err != nil {
		return s.cur.Load().clone(), err
	}
	s.cur.Store(&next)
	return next.clone(), nil
}

// Replace installs p wholesale after validation.
func (s *PolicyStore) Replace(p RiskPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := p.clone()
	s.cur.Store(&c)
	return nil
}
