package service

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/coitrack/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the Store backed by PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to url and verifies the connection
func NewPostgresStore(ctx context.Context, url string, maxConns int32) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates any missing tables and indexes
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// nullable maps the empty string to SQL NULL
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func refArgs(ref model.EntityRef) (vendorID, tenantID any) {
	v, t := ref.IDs()
	return nullable(v), nullable(t)
}

// refClause matches the vendor_id/tenant_id pair of ref using placeholder $n
func refClause(ref model.EntityRef, n int) string {
	if ref.Kind == model.KindVendor {
		return fmt.Sprintf("vendor_id = $%d", n)
	}
	return fmt.Sprintf("tenant_id = $%d", n)
}

func limitTypeArg(lt *model.LimitType) any {
	if lt == nil {
		return nil
	}
	return string(*lt)
}

func limitTypeOf(s *string) *model.LimitType {
	if s == nil {
		return nil
	}
	lt := model.LimitType(*s)
	return &lt
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Properties

func (s *PostgresStore) CreateProperty(ctx context.Context, p *model.Property) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO properties (id, org_id, name, vendor_template_id, tenant_template_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrgID, p.Name, nullable(p.VendorTemplateID), nullable(p.TenantTemplateID), p.CreatedAt)
	if err != nil {
		return err
	}
	if err := insertPropertyEntities(ctx, tx, p.ID, p.Entities); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertPropertyEntities(ctx context.Context, tx pgx.Tx, propertyID string, entities []model.PropertyEntity) error {
	for i, pe := range entities {
		_, err := tx.Exec(ctx, `
			INSERT INTO property_entities (id, property_id, position, kind, name, address)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pe.ID, propertyID, i, string(pe.Kind), pe.Name, pe.Address)
		if err != nil {
			return fmt.Errorf("failed to insert property entity %s: %w", pe.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	var p model.Property
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, COALESCE(vendor_template_id, ''), COALESCE(tenant_template_id, ''), created_at
		FROM properties WHERE id = $1`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.VendorTemplateID, &p.TenantTemplateID, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if p.Entities, err = s.propertyEntities(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) propertyEntities(ctx context.Context, propertyID string) ([]model.PropertyEntity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, property_id, kind, name, address
		FROM property_entities WHERE property_id = $1 ORDER BY position`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.PropertyEntity{}
	for rows.Next() {
		var pe model.PropertyEntity
		var kind string
		if err := rows.Scan(&pe.ID, &pe.PropertyID, &kind, &pe.Name, &pe.Address); err != nil {
			return nil, err
		}
		pe.Kind = model.PropertyEntityKind(kind)
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplacePropertyEntities(ctx context.Context, propertyID string, entities []model.PropertyEntity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM properties WHERE id = $1)`, propertyID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM property_entities WHERE property_id = $1`, propertyID); err != nil {
		return err
	}
	if err := insertPropertyEntities(ctx, tx, propertyID, entities); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPropertiesByTemplate(ctx context.Context, templateID string) ([]*model.Property, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM properties
		WHERE vendor_template_id = $1 OR tenant_template_id = $1
		ORDER BY id`, templateID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	out := make([]*model.Property, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProperty(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Entities

const entityColumns = `kind, id, org_id, property_id, name, contact_email, COALESCE(template_id, ''),
	compliance_status, under_review, last_evaluated_at, last_compliant_at, COALESCE(compliant_certificate_id, ''), created_at`

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	var kind, status string
	err := row.Scan(&kind, &e.Ref.ID, &e.OrgID, &e.PropertyID, &e.Name, &e.ContactEmail, &e.TemplateID,
		&status, &e.UnderReview, &e.LastEvaluatedAt, &e.LastCompliantAt, &e.CompliantCertificateID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Ref.Kind = model.EntityKind(kind)
	e.ComplianceStatus = model.ComplianceStatus(status)
	return &e, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (kind, id, org_id, property_id, name, contact_email, template_id,
			compliance_status, under_review, last_evaluated_at, last_compliant_at, compliant_certificate_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(e.Ref.Kind), e.Ref.ID, e.OrgID, e.PropertyID, e.Name, e.ContactEmail, nullable(e.TemplateID),
		string(e.ComplianceStatus), e.UnderReview, e.LastEvaluatedAt, e.LastCompliantAt, nullable(e.CompliantCertificateID), e.CreatedAt)
	return err
}

func (s *PostgresStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID)
	e, err := scanEntity(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, f EntityFilter) ([]*model.Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE ($1 = '' OR org_id = $1)
		  AND ($2 = '' OR property_id = $2)
		  AND ($3 = '' OR template_id = $3)
		ORDER BY kind, id`, f.OrgID, f.PropertyID, f.TemplateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntityStatus stores a verdict. A non-empty compliantCertID also
// moves the compliance anchor to evaluatedAt.
func (s *PostgresStore) UpdateEntityStatus(ctx context.Context, ref model.EntityRef, status model.ComplianceStatus, evaluatedAt time.Time, compliantCertID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entities
		SET compliance_status = $3, last_evaluated_at = $4,
		    last_compliant_at = CASE WHEN $5::text IS NULL THEN last_compliant_at ELSE $4 END,
		    compliant_certificate_id = COALESCE($5::text, compliant_certificate_id)
		WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID, string(status), evaluatedAt, nullable(compliantCertID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetUnderReview(ctx context.Context, ref model.EntityRef, underReview bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entities SET under_review = $3 WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID, underReview)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Templates

func insertTemplateCoverages(ctx context.Context, tx pgx.Tx, t *model.RequirementTemplate) error {
	for i, c := range t.Coverages {
		_, err := tx.Exec(ctx, `
			INSERT INTO template_coverage_requirements (id, template_id, position, coverage_type, is_required,
				minimum_limit, limit_type, requires_additional_insured, requires_waiver_of_subrogation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, t.ID, i, string(c.CoverageType), c.IsRequired,
			c.MinimumLimit, limitTypeArg(c.LimitType), c.RequiresAdditionalInsured, c.RequiresWaiverOfSubrogation)
		if err != nil {
			return fmt.Errorf("failed to insert requirement %s: %w", c.CoverageType, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *model.RequirementTemplate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO requirement_templates (id, org_id, name, category, version, is_system_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OrgID, t.Name, string(t.Category), t.Version, t.IsSystemDefault, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if err := insertTemplateCoverages(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) templateCoverages(ctx context.Context, templateID string) ([]model.TemplateCoverageRequirement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, coverage_type, is_required, minimum_limit, limit_type,
			requires_additional_insured, requires_waiver_of_subrogation
		FROM template_coverage_requirements WHERE template_id = $1 ORDER BY position`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.TemplateCoverageRequirement{}
	for rows.Next() {
		var c model.TemplateCoverageRequirement
		var coverageType string
		var limitType *string
		if err := rows.Scan(&c.ID, &c.TemplateID, &coverageType, &c.IsRequired, &c.MinimumLimit, &limitType,
			&c.RequiresAdditionalInsured, &c.RequiresWaiverOfSubrogation); err != nil {
			return nil, err
		}
		c.CoverageType = model.CoverageType(coverageType)
		c.LimitType = limitTypeOf(limitType)
		out = append(out, c)
	}
	return out, rows.Err()
}

const templateColumns = `id, org_id, name, category, version, is_system_default, created_at, updated_at`

func scanTemplate(row pgx.Row) (*model.RequirementTemplate, error) {
	var t model.RequirementTemplate
	var category string
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &category, &t.Version, &t.IsSystemDefault, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Category = model.TemplateCategory(category)
	return &t, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*model.RequirementTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM requirement_templates WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	if t.Coverages, err = s.templateCoverages(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, orgID string) ([]*model.RequirementTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+templateColumns+` FROM requirement_templates
		WHERE is_system_default OR org_id = $1
		ORDER BY is_system_default DESC, name`, orgID)
	if err != nil {
		return nil, err
	}
	var out []*model.RequirementTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range out {
		if t.Coverages, err = s.templateCoverages(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *model.RequirementTemplate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE requirement_templates SET name = $2, category = $3, version = $4, updated_at = $5
		WHERE id = $1`,
		t.ID, t.Name, string(t.Category), t.Version, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM template_coverage_requirements WHERE template_id = $1`, t.ID); err != nil {
		return err
	}
	if err := insertTemplateCoverages(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM requirement_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TemplateInUse(ctx context.Context, id string) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM properties WHERE vendor_template_id = $1 OR tenant_template_id = $1)
		    OR EXISTS (SELECT 1 FROM entities WHERE template_id = $1)`, id).Scan(&inUse)
	return inUse, err
}

// Certificates

const certificateColumns = `id, COALESCE(vendor_id, ''), COALESCE(tenant_id, ''), filename, file_path, file_hash,
	upload_source, processing_status, error_msg, named_entities, confidence, uploaded_at, updated_at`

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	var c model.Certificate
	var source, status string
	err := row.Scan(&c.ID, &c.VendorID, &c.TenantID, &c.Filename, &c.FilePath, &c.FileHash,
		&source, &status, &c.ErrorMsg, &c.NamedEntities, &c.Confidence, &c.UploadedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.UploadSource = model.UploadSource(source)
	c.ProcessingStatus = model.ProcessingStatus(status)
	return &c, nil
}

func (s *PostgresStore) CreateCertificate(ctx context.Context, c *model.Certificate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, vendor_id, tenant_id, filename, file_path, file_hash, upload_source,
			processing_status, error_msg, named_entities, confidence, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, nullable(c.VendorID), nullable(c.TenantID), c.Filename, c.FilePath, c.FileHash, string(c.UploadSource),
		string(c.ProcessingStatus), c.ErrorMsg, c.NamedEntities, c.Confidence, c.UploadedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) queryCertificates(ctx context.Context, sql string, args ...any) ([]*model.Certificate, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCertificates(ctx context.Context, ref model.EntityRef) ([]*model.Certificate, error) {
	return s.queryCertificates(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE `+refClause(ref, 1)+`
		ORDER BY uploaded_at DESC, id DESC`, ref.ID)
}

func (s *PostgresStore) FindCertificateByHash(ctx context.Context, ref model.EntityRef, hash string) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE `+refClause(ref, 1)+` AND file_hash = $2
		ORDER BY uploaded_at DESC, id DESC LIMIT 1`, ref.ID, hash)
	c, err := scanCertificate(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) LatestConfirmedCertificate(ctx context.Context, ref model.EntityRef) (*model.Certificate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE `+refClause(ref, 1)+` AND processing_status = $2
		ORDER BY uploaded_at DESC, id DESC LIMIT 1`, ref.ID, string(model.StatusReviewConfirmed))
	c, err := scanCertificate(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) TransitionCertificate(ctx context.Context, id string, from, to model.ProcessingStatus, errMsg string) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET processing_status = $3, error_msg = $4, updated_at = now()
		WHERE id = $1 AND processing_status = $2`,
		id, string(from), string(to), errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCertificate(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, certID string, named model.NamedEntities, confidence float64, coverages []model.ExtractedCoverage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE certificates SET processing_status = $2, named_entities = $3, confidence = $4, updated_at = now()
		WHERE id = $1 AND processing_status = $5`,
		certID, string(model.StatusExtracted), named, confidence, string(model.StatusProcessing))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM certificates WHERE id = $1)`, certID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}

	for i, c := range coverages {
		_, err := tx.Exec(ctx, `
			INSERT INTO extracted_coverages (id, certificate_id, position, coverage_type, limit_amount, limit_type,
				expiration_date, additional_insured_listed, waiver_of_subrogation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, certID, i, string(c.CoverageType), c.LimitAmount, string(c.LimitType),
			c.ExpirationDate, c.AdditionalInsuredListed, c.WaiverOfSubrogation)
		if err != nil {
			return fmt.Errorf("failed to insert coverage %s: %w", c.CoverageType, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListCoverages(ctx context.Context, certID string) ([]model.ExtractedCoverage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, certificate_id, coverage_type, limit_amount, limit_type, expiration_date,
			additional_insured_listed, waiver_of_subrogation
		FROM extracted_coverages WHERE certificate_id = $1 ORDER BY position`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExtractedCoverage
	for rows.Next() {
		var c model.ExtractedCoverage
		var coverageType, limitType string
		if err := rows.Scan(&c.ID, &c.CertificateID, &coverageType, &c.LimitAmount, &limitType, &c.ExpirationDate,
			&c.AdditionalInsuredListed, &c.WaiverOfSubrogation); err != nil {
			return nil, err
		}
		c.CoverageType = model.CoverageType(coverageType)
		c.LimitType = model.LimitType(limitType)
		if c.ExpirationDate != nil {
			d := model.CalendarDay(*c.ExpirationDate, time.UTC)
			c.ExpirationDate = &d
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Compliance results

func (s *PostgresStore) ReplaceComplianceResults(ctx context.Context, certID string, results []model.ComplianceResult, entityResults []model.EntityComplianceResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM compliance_results WHERE certificate_id = $1`, certID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM entity_compliance_results WHERE certificate_id = $1`, certID); err != nil {
		return err
	}

	for i, r := range results {
		_, err := tx.Exec(ctx, `
			INSERT INTO compliance_results (id, certificate_id, position, requirement_id, coverage_type, limit_type,
				is_required, status, gap_description, found_amount, required_amount, additional_insured, waiver_of_subrogation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, certID, i, r.RequirementID, string(r.CoverageType), limitTypeArg(r.LimitType),
			r.IsRequired, string(r.Status), r.GapDescription, r.FoundAmount, r.RequiredAmount,
			r.AdditionalInsured, r.WaiverOfSubrogation)
		if err != nil {
			return fmt.Errorf("failed to insert compliance result: %w", err)
		}
	}
	for i, r := range entityResults {
		_, err := tx.Exec(ctx, `
			INSERT INTO entity_compliance_results (id, certificate_id, position, property_entity_id, entity_kind, status, match_details)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, certID, i, r.PropertyEntityID, string(r.EntityKind), string(r.Status), r.MatchDetails)
		if err != nil {
			return fmt.Errorf("failed to insert entity result: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListComplianceResults(ctx context.Context, certID string) ([]model.ComplianceResult, []model.EntityComplianceResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, certificate_id, requirement_id, coverage_type, limit_type, is_required, status,
			gap_description, found_amount, required_amount, additional_insured, waiver_of_subrogation
		FROM compliance_results WHERE certificate_id = $1 ORDER BY position`, certID)
	if err != nil {
		return nil, nil, err
	}
	var results []model.ComplianceResult
	for rows.Next() {
		var r model.ComplianceResult
		var coverageType, status string
		var limitType *string
		if err := rows.Scan(&r.ID, &r.CertificateID, &r.RequirementID, &coverageType, &limitType, &r.IsRequired, &status,
			&r.GapDescription, &r.FoundAmount, &r.RequiredAmount, &r.AdditionalInsured, &r.WaiverOfSubrogation); err != nil {
			rows.Close()
			return nil, nil, err
		}
		r.CoverageType = model.CoverageType(coverageType)
		r.LimitType = limitTypeOf(limitType)
		r.Status = model.CoverageStatus(status)
		results = append(results, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, certificate_id, property_entity_id, entity_kind, status, match_details
		FROM entity_compliance_results WHERE certificate_id = $1 ORDER BY position`, certID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var entityResults []model.EntityComplianceResult
	for rows.Next() {
		var r model.EntityComplianceResult
		var kind, status string
		if err := rows.Scan(&r.ID, &r.CertificateID, &r.PropertyEntityID, &kind, &status, &r.MatchDetails); err != nil {
			return nil, nil, err
		}
		r.EntityKind = model.PropertyEntityKind(kind)
		r.Status = model.EntityMatchStatus(status)
		entityResults = append(entityResults, r)
	}
	return results, entityResults, rows.Err()
}

// Notifications

const notificationColumns = `id, COALESCE(vendor_id, ''), COALESCE(tenant_id, ''), COALESCE(certificate_id, ''),
	type, status, target_date, lead_days, scheduled_date, sent_date, recipient, email_subject, error_msg, claimed_at, created_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	var typ, status string
	err := row.Scan(&n.ID, &n.VendorID, &n.TenantID, &n.CertificateID, &typ, &status, &n.TargetDate, &n.LeadDays,
		&n.ScheduledDate, &n.SentDate, &n.Recipient, &n.EmailSubject, &n.ErrorMsg, &n.ClaimedAt, &n.CreatedAt)
	n.Type = model.NotificationType(typ)
	n.Status = model.NotificationStatus(status)
	return n, err
}

const insertNotification = `
	INSERT INTO notifications (id, vendor_id, tenant_id, certificate_id, type, status, target_date, lead_days,
		scheduled_date, sent_date, recipient, email_subject, error_msg, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func notificationArgs(n *model.Notification) []any {
	return []any{
		n.ID, nullable(n.VendorID), nullable(n.TenantID), nullable(n.CertificateID), string(n.Type), string(n.Status),
		n.TargetDate, n.LeadDays, n.ScheduledDate, n.SentDate, n.Recipient, n.EmailSubject, n.ErrorMsg, n.CreatedAt,
	}
}

func (s *PostgresStore) InsertNotificationIfAbsent(ctx context.Context, n *model.Notification) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertNotification+` ON CONFLICT DO NOTHING`, notificationArgs(n)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx, insertNotification, notificationArgs(n)...)
	return err
}

func (s *PostgresStore) queryNotifications(ctx context.Context, sql string, args ...any) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNotifications(ctx context.Context, ref model.EntityRef) ([]model.Notification, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE `+refClause(ref, 1)+`
		ORDER BY created_at, id`, ref.ID)
}

func (s *PostgresStore) ListDueNotifications(ctx context.Context, day time.Time, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = $1 AND scheduled_date <= $2
		ORDER BY scheduled_date, created_at
		LIMIT $3`, string(model.NotificationScheduled), day, limit)
}

func (s *PostgresStore) ClaimNotification(ctx context.Context, id string, at, staleBefore time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET claimed_at = $2
		WHERE id = $1 AND status = $4 AND (claimed_at IS NULL OR claimed_at < $3)`,
		id, at, staleBefore, string(model.NotificationScheduled))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.notificationMiss(ctx, id)
	}
	return nil
}

func (s *PostgresStore) TransitionNotification(ctx context.Context, id string, from, to model.NotificationStatus, sentAt *time.Time, errMsg string) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = $3, sent_date = $4, error_msg = $5
		WHERE id = $1 AND status = $2 AND ($3 <> $6 OR claimed_at IS NULL)`,
		id, string(from), string(to), sentAt, errMsg, string(model.NotificationCancelled))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.notificationMiss(ctx, id)
	}
	return nil
}

// notificationMiss explains an update that matched no row
func (s *PostgresStore) notificationMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// Portal tokens

func (s *PostgresStore) CreateToken(ctx context.Context, t *model.UploadPortalToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ref := t.Ref()
	if _, err := tx.Exec(ctx, `UPDATE upload_portal_tokens SET is_active = FALSE WHERE `+refClause(ref, 1)+` AND is_active`, ref.ID); err != nil {
		return err
	}
	vendorID, tenantID := refArgs(ref)
	_, err = tx.Exec(ctx, `
		INSERT INTO upload_portal_tokens (id, token, vendor_id, tenant_id, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Token, vendorID, tenantID, t.ExpiresAt, t.IsActive, t.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTokenByValue(ctx context.Context, token string) (*model.UploadPortalToken, error) {
	var t model.UploadPortalToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, token, COALESCE(vendor_id, ''), COALESCE(tenant_id, ''), expires_at, is_active, created_at
		FROM upload_portal_tokens WHERE token = $1`, token).
		Scan(&t.ID, &t.Token, &t.VendorID, &t.TenantID, &t.ExpiresAt, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}
