package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
)

// CampaignsFile is the YAML layout of CPMBANDIT_CAMPAIGNS_FILE:
//
//	campaigns:
//	  - advert_id: "1001"
//	    reward_metric: roi_orders
//	    initial_cpm: 150
//	    max_cpm_change: 30
type CampaignsFile struct {
	Campaigns []campaign.Spec `mapstructure:"campaigns"`
}

// LoadCampaignsFile reads and validates campaign definitions from path.
func LoadCampaignsFile(path string) ([]campaign.Spec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading campaigns file, %w", err)
	}

	var file CampaignsFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("unable to decode campaigns file, %w", err)
	}

	seen := make(map[string]bool, len(file.Campaigns))
	for i, spec := range file.Campaigns {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("campaign #%d: %w", i, err)
		}
		if seen[spec.AdvertID] {
			return nil, fmt.Errorf("campaign #%d: duplicate advert_id %s", i, spec.AdvertID)
		}
		seen[spec.AdvertID] = true
	}
	return file.Campaigns, nil
}

// syncCampaigns registers new specs and replaces existing ones. Campaigns
// only known to the store are left alone.
func syncCampaigns(ctx context.Context, m *campaign.Manager, specs []campaign.Spec, logger *slog.Logger) error {
	var errs []error
	for _, spec := range specs {
		err := m.Register(ctx, spec)
		if errors.Is(err, campaign.ErrCampaignExists) {
			err = m.Replace(ctx, spec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.AdvertID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("campaigns file applied", slog.Int("campaigns", len(specs)))
	return nil
}
