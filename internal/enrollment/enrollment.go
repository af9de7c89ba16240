// Package enrollment maps registration URIs to the ad tech enrollment that
// owns them. Enrollments are keyed by site (scheme plus eTLD+1).
package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// siteOf reduces a registration URI to its enrollment key.
func siteOf(registrationURI string) (string, error) {
	site, ok := registration.TopPrivateDomainAndScheme(registrationURI)
	if !ok {
		return "", fmt.Errorf("no site for %q: %w", registrationURI, registration.ErrNotFound)
	}
	return site, nil
}

// Static resolves enrollments from a fixed site table.
type Static struct {
	sites map[string]string
}

// NewStatic builds a Static resolver. Keys are sites such as
// https://adtech.example and values are enrollment ids.
func NewStatic(sites map[string]string) *Static {
	table := make(map[string]string, len(sites))
	for site, id := range sites {
		if normalized, ok := registration.TopPrivateDomainAndScheme(site); ok {
			table[normalized] = id
		}
	}
	return &Static{sites: table}
}

// Resolve implements registration.EnrollmentResolver.
func (s *Static) Resolve(_ context.Context, registrationURI string, _ string) (string, error) {
	site, err := siteOf(registrationURI)
	if err != nil {
		return "", err
	}
	id, ok := s.sites[site]
	if !ok {
		return "", registration.ErrNotFound
	}
	return id, nil
}

// Querier is the subset of pgxpool.Pool the Postgres resolver uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresResolver reads the enrollments table.
type PostgresResolver struct {
	db     Querier
	logger *zap.Logger
}

// NewPostgresResolver constructs a PostgresResolver.
func NewPostgresResolver(db Querier, logger *zap.Logger) (*PostgresResolver, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresResolver{db: db, logger: logger.Named("enrollment")}, nil
}

// Resolve implements registration.EnrollmentResolver.
func (p *PostgresResolver) Resolve(ctx context.Context, registrationURI string, _ string) (string, error) {
	site, err := siteOf(registrationURI)
	if err != nil {
		return "", err
	}
	var id string
	err = p.db.QueryRow(ctx, `SELECT enrollment_id FROM enrollments WHERE site = $1`, site).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", registration.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select enrollment: %w", err)
	}
	return id, nil
}

// Enroll binds site to enrollmentID, replacing any previous binding.
func (p *PostgresResolver) Enroll(ctx context.Context, enrollmentID, site string) error {
	normalized, ok := registration.TopPrivateDomainAndScheme(site)
	if !ok {
		return fmt.Errorf("invalid enrollment site %q", site)
	}
	_, err := p.db.Exec(ctx, `
INSERT INTO enrollments (enrollment_id, site) VALUES ($1, $2)
ON CONFLICT (site) DO UPDATE SET enrollment_id = EXCLUDED.enrollment_id`,
		enrollmentID, normalized,
	)
	if err != nil {
		return fmt.Errorf("upsert enrollment: %w", err)
	}
	p.logger.Info("enrollment registered", zap.String("enrollment_id", enrollmentID), zap.String("site", normalized))
	return nil
}
