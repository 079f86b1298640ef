package pic

import (
	"context"
	"errors"

	"rampline/internal/domain"
	"rampline/internal/repo"
)

// Resolver maps sites to their registered property identification code and
// exposes the reference-data registry. The PIC registry itself is seeded by
// migration; site mappings can be managed at runtime.
type Resolver struct {
	Repo repo.Repo
}

// Resolve returns the PIC for a site, or UnresolvedSiteError when the site
// is not registered. There is no silent "UNKNOWN" fallback; callers decide
// whether a miss is fatal.
func (r Resolver) Resolve(ctx context.Context, siteID string) (string, error) {
	if siteID == "" {
		return "", domain.UnresolvedSiteError{SiteID: siteID}
	}
	pic, err := r.Repo.SitePIC(ctx, siteID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", domain.UnresolvedSiteError{SiteID: siteID}
	}
	return pic, err
}

// MapSite registers or updates the site-to-PIC mapping consulted by Resolve.
func (r Resolver) MapSite(ctx context.Context, siteID, picCode, name string) error {
	if siteID == "" || picCode == "" {
		return errors.New("site id and pic code are required")
	}
	return r.Repo.UpsertSite(ctx, siteID, picCode, name)
}

// Details looks up the registry record for a PIC code.
func (r Resolver) Details(ctx context.Context, picCode string) (domain.PICRecord, error) {
	return r.Repo.GetPIC(ctx, picCode)
}

// Search does a substring lookup over the registry.
func (r Resolver) Search(ctx context.Context, query, jurisdiction string, limit int) ([]domain.PICRecord, error) {
	return r.Repo.SearchPICs(ctx, query, jurisdiction, limit)
}
