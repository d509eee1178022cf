package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/analytics"
	"stepup-service/internal/client"
	"stepup-service/internal/models"
)

// validationsIndex is the Elasticsearch index operator search runs over.
const validationsIndex = "biometric-validations"

// ErrSearchUnavailable is returned when operator search is requested but
// no search backend is wired.
var ErrSearchUnavailable = errors.New("validation search unavailable")

// AuditService owns the validation audit trail. The Scylla append is the
// authoritative write; ClickHouse and Elasticsearch copies are mirrors
// that may lag or drop without affecting auth decisions.
type AuditService struct {
	store  ValidationStore
	sealer AssertionSealer
	sink   *analytics.Sink
	search *client.ESClient
	logger *zap.Logger
}

// ValidationDocument is the search projection of a validation record. The
// encrypted raw assertion never leaves the primary store.
type ValidationDocument struct {
	ValidationID      string    `json:"validation_id"`
	UserID            string    `json:"user_id"`
	LoginID           string    `json:"login_id"`
	Decision          string    `json:"decision"`
	ConfidenceScore   float64   `json:"confidence_score"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	SourceIP          string    `json:"source_ip,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SearchQuery filters operator search. Zero-valued fields are ignored.
type SearchQuery struct {
	UserID   string
	LoginID  string
	Decision string
	Limit    int
}

func NewAuditService(
	store ValidationStore,
	sealer AssertionSealer,
	sink *analytics.Sink,
	search *client.ESClient,
	logger *zap.Logger,
) *AuditService {
	return &AuditService{
		store:  store,
		sealer: sealer,
		sink:   sink,
		search: search,
		logger: logger,
	}
}

// Record persists one threshold decision. The raw assertion is sealed
// before it touches storage; an empty rawAssertion (bypass decisions)
// stores no payload. Failure of the primary append is the caller's
// problem; mirror failures are logged and swallowed.
func (s *AuditService) Record(ctx context.Context, rec *models.BiometricValidationRecord, rawAssertion string) error {
	if rawAssertion != "" && s.sealer != nil {
		sealed, err := s.sealer.EncryptAssertion(ctx, rawAssertion)
		if err != nil {
			s.logger.Error("Failed to seal assertion for audit",
				zap.String("validation_id", rec.ValidationID),
				zap.Error(err))
			return fmt.Errorf("failed to seal assertion: %w", err)
		}
		rec.AssertionRaw = sealed
	}

	if err := s.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append validation record: %w", err)
	}

	if s.sink != nil {
		s.sink.Submit(rec)
	}
	if s.search != nil {
		go s.indexRecord(rec)
	}

	return nil
}

// TrailFor returns the validation history of one login attempt from the
// primary store, newest first.
func (s *AuditService) TrailFor(ctx context.Context, loginID string) ([]*models.BiometricValidationRecord, error) {
	return s.store.ListByLogin(ctx, loginID)
}

// SearchValidations runs an operator query against the search mirror.
func (s *AuditService) SearchValidations(ctx context.Context, q SearchQuery) ([]*ValidationDocument, error) {
	if s.search == nil {
		return nil, ErrSearchUnavailable
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	filters := make([]map[string]interface{}, 0, 3)
	if q.UserID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"user_id": q.UserID},
		})
	}
	if q.LoginID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"login_id": q.LoginID},
		})
	}
	if q.Decision != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"decision": q.Decision},
		})
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		},
	}

	res, err := s.search.Search(ctx, validationsIndex, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search validations: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source ValidationDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.search.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	docs := make([]*ValidationDocument, 0, len(parsed.Hits.Hits))
	for i := range parsed.Hits.Hits {
		doc := parsed.Hits.Hits[i].Source
		docs = append(docs, &doc)
	}
	return docs, nil
}

func (s *AuditService) indexRecord(rec *models.BiometricValidationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc := &ValidationDocument{
		ValidationID:      rec.ValidationID,
		UserID:            rec.UserID,
		LoginID:           rec.LoginID,
		Decision:          rec.Decision,
		ConfidenceScore:   rec.ConfidenceScore,
		DeviceFingerprint: rec.DeviceFingerprint,
		SourceIP:          rec.SourceIP,
		CreatedAt:         rec.CreatedAt,
	}

	res, err := s.search.IndexDocument(ctx, validationsIndex, rec.ValidationID, doc)
	if err != nil {
		s.logger.Warn("Failed to index validation record",
			zap.String("validation_id", rec.ValidationID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		s.logger.Warn("Validation index write rejected",
			zap.String("validation_id", rec.ValidationID),
			zap.String("status", res.Status()))
	}
}
