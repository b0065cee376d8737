// Package catalog holds the purchasable package tiers for brands.
//
// Two package kinds exist: subscription packages replace the brand wallet's
// active tier and expiry when credited; topup packages only add tokens.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPackageNotFound = errors.New("package not found")
)

// PackageType discriminates how a credited package affects the wallet.
type PackageType string

const (
	TypeSubscription PackageType = "subscription"
	TypeTopup        PackageType = "topup"
)

// Package is a purchasable tier.
type Package struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	TokensIncluded    int64       `json:"tokensIncluded"`
	Price             int64       `json:"price"` // minor units; 0 = free/trial
	CampaignTokenCost int64       `json:"campaignTokenCost"`
	ReportTokenCost   int64       `json:"reportTokenCost"`
	ValidityDays      int         `json:"validityDays"`
	Type              PackageType `json:"type"`
	Active            bool        `json:"active"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// IsFree reports whether the package has no purchase price.
func (p *Package) IsFree() bool {
	return p.Price == 0
}

// ExpiryFrom returns the package expiry starting at t, or nil when the
// package does not carry validity (topups never expire the tier).
func (p *Package) ExpiryFrom(t time.Time) *time.Time {
	if p.Type != TypeSubscription || p.ValidityDays <= 0 {
		return nil
	}
	exp := t.AddDate(0, 0, p.ValidityDays)
	return &exp
}

// Store persists the package catalogue.
type Store interface {
	Get(ctx context.Context, id string) (*Package, error)
	GetActive(ctx context.Context, id string) (*Package, error)
	List(ctx context.Context, activeOnly bool) ([]*Package, error)
	Create(ctx context.Context, p *Package) error
}
