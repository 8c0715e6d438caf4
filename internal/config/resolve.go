package config

import (
	"github.com/dirvine/saorsa-gossip/internal/hyparview"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

// ResolveSwim converts the on-disk SwimConfig into swim.Config, parsing
// its duration fields.
func (c Config) ResolveSwim() (swim.Config, error) {
	probe, err := parseDuration("swim.probe_period", c.Swim.ProbePeriod)
	if err != nil {
		return swim.Config{}, err
	}
	ack, err := parseDuration("swim.ack_timeout", c.Swim.AckTimeout)
	if err != nil {
		return swim.Config{}, err
	}
	suspect, err := parseDuration("swim.suspect_timeout", c.Swim.SuspectTimeout)
	if err != nil {
		return swim.Config{}, err
	}
	return swim.Config{
		ProbePeriod:    probe,
		AckTimeout:     ack,
		SuspectTimeout: suspect,
		IndirectProbes: c.Swim.IndirectProbes,
		MaxPeers:       c.Swim.MaxPeers,
	}, nil
}

// ResolveOverlay converts the on-disk OverlayConfig into hyparview.Config.
func (c Config) ResolveOverlay() (hyparview.Config, error) {
	shuffle, err := parseDuration("overlay.shuffle_period", c.Overlay.ShufflePeriod)
	if err != nil {
		return hyparview.Config{}, err
	}
	maintain, err := parseDuration("overlay.maintain_period", c.Overlay.MaintainPeriod)
	if err != nil {
		return hyparview.Config{}, err
	}
	return hyparview.Config{
		ActiveTarget:   c.Overlay.ActiveTarget,
		ActiveMax:      c.Overlay.ActiveMax,
		PassiveMax:     c.Overlay.PassiveMax,
		ARWL:           uint8(c.Overlay.ARWL),
		PRWL:           uint8(c.Overlay.PRWL),
		ShufflePeriod:  shuffle,
		MaintainPeriod: maintain,
		Ka:             c.Overlay.Ka,
		Kp:             c.Overlay.Kp,
	}, nil
}

// ResolvePlumtree converts the on-disk PlumtreeConfig into plumtree.Config.
func (c Config) ResolvePlumtree() (plumtree.Config, error) {
	flush, err := parseDuration("plumtree.ihave_flush_period", c.Plumtree.IHaveFlushPeriod)
	if err != nil {
		return plumtree.Config{}, err
	}
	clean, err := parseDuration("plumtree.cache_clean_period", c.Plumtree.CacheCleanPeriod)
	if err != nil {
		return plumtree.Config{}, err
	}
	ttl, err := parseDuration("plumtree.cache_ttl", c.Plumtree.CacheTTL)
	if err != nil {
		return plumtree.Config{}, err
	}
	degree, err := parseDuration("plumtree.degree_maintain_period", c.Plumtree.DegreeMaintainPeriod)
	if err != nil {
		return plumtree.Config{}, err
	}
	retry, err := parseDuration("plumtree.iwant_retry_period", c.Plumtree.IWantRetryPeriod)
	if err != nil {
		return plumtree.Config{}, err
	}
	return plumtree.Config{
		IHaveFlushPeriod:     flush,
		IHaveBatchCap:        c.Plumtree.IHaveBatchCap,
		CacheCleanPeriod:     clean,
		CacheTTL:             ttl,
		DegreeMaintainPeriod: degree,
		EagerTarget:          c.Plumtree.EagerTarget,
		EagerMax:             c.Plumtree.EagerMax,
		IWantRetryPeriod:     retry,
		IWantRetryBudget:     c.Plumtree.IWantRetryBudget,
		CacheCap:             c.Plumtree.CacheCap,
		PendingIHaveCap:      c.Plumtree.PendingIHaveCap,
		OutstandingCap:       c.Plumtree.OutstandingCap,
		DefaultTTL:           10,
	}, nil
}
