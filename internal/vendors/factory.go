package vendors

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/ratelimit"
	"github.com/dshills/foodresolve/internal/resilience"
)

// NewFromConfig builds the fan-out from configuration. HTTP vendors without
// credentials are left out with a warning; the USDA vendor needs index.
func NewFromConfig(cfg *config.Config, index BulkIndex, limiter ratelimit.Limiter, vectorizer BatchVectorizer, logger *zap.Logger) (*FanOut, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var regs []Registration

	register := func(v Vendor, vc config.VendorConfig) {
		regs = append(regs, Registration{
			Vendor:     v,
			Timeout:    vc.Timeout,
			RatePerSec: vc.RatePerSec,
			MaxResults: vc.MaxResults,
			Breaker:    resilience.NewBreaker(v.Name(), cfg.Breaker, logger),
		})
	}
	skip := func(name string, err error) error {
		if errors.Is(err, ErrMissingCredentials) {
			logger.Warn("vendor disabled: missing credentials", zap.String("vendor", name))
			return nil
		}
		return fmt.Errorf("failed to create %s vendor: %w", name, err)
	}

	if vc := cfg.Vendors.Nutritionix; vc.Enabled {
		v, err := NewNutritionix(vc.BaseURL, vc.AppID, vc.AppKey, vc.Timeout)
		if err != nil {
			if err := skip(NameNutritionix, err); err != nil {
				return nil, err
			}
		} else {
			register(v, vc)
		}
	}
	if vc := cfg.Vendors.FatSecret; vc.Enabled {
		v, err := NewFatSecret(vc.BaseURL, vc.TokenURL, vc.AppID, vc.AppKey, vc.Timeout)
		if err != nil {
			if err := skip(NameFatSecret, err); err != nil {
				return nil, err
			}
		} else {
			register(v, vc)
		}
	}
	if vc := cfg.Vendors.USDA; vc.Enabled && index != nil {
		register(NewUSDA(index, cfg.Thresholds.BulkIndex), vc)
	}

	return NewFanOut(regs, limiter, vectorizer, cfg.Thresholds.VendorMin, logger), nil
}
