package repo

import (
	"context"
	"database/sql"

	"rampline/internal/domain"
)

// SitePIC resolves a site to its registered PIC code.
func (r Repo) SitePIC(ctx context.Context, siteID string) (string, error) {
	var pic string
	err := r.DB.QueryRowContext(ctx, `SELECT pic_code FROM sites WHERE site_id=?`, siteID).Scan(&pic)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return pic, err
}

func (r Repo) UpsertSite(ctx context.Context, siteID, picCode, name string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sites(site_id,pic_code,name) VALUES (?,?,?)
ON CONFLICT(site_id) DO UPDATE SET pic_code=excluded.pic_code, name=excluded.name`, siteID, picCode, nullable(name))
	return err
}

const picColumns = `pic_code,jurisdiction,property_name,region,lga,is_active,has_bmp`

func scanPIC(scan func(dest ...any) error) (domain.PICRecord, error) {
	var p domain.PICRecord
	var region, lga sql.NullString
	err := scan(&p.PICCode, &p.Jurisdiction, &p.PropertyName, &region, &lga, &p.IsActive, &p.HasBMP)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Region = region.String
	p.LGA = lga.String
	return p, nil
}

func (r Repo) GetPIC(ctx context.Context, picCode string) (domain.PICRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+picColumns+` FROM pic_registry WHERE pic_code=?`, picCode)
	return scanPIC(row.Scan)
}

// SearchPICs does a case-insensitive substring match over code, property
// name, region and LGA, active properties first.
func (r Repo) SearchPICs(ctx context.Context, query, jurisdiction string, limit int) ([]domain.PICRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	sqlQuery := `SELECT ` + picColumns + ` FROM pic_registry
WHERE (pic_code LIKE ? COLLATE NOCASE OR property_name LIKE ? COLLATE NOCASE OR region LIKE ? COLLATE NOCASE OR lga LIKE ? COLLATE NOCASE)`
	args := []any{pattern, pattern, pattern, pattern}
	if jurisdiction != "" {
		sqlQuery += ` AND jurisdiction=?`
		args = append(args, jurisdiction)
	}
	sqlQuery += ` ORDER BY is_active DESC, property_name ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PICRecord
	for rows.Next() {
		p, err := scanPIC(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
