package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/client"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

const insertValidationsQuery = `
	INSERT INTO biometric_validations (
		validation_id, user_id, login_id, decision, confidence_score,
		device_fingerprint, source_ip, created_date, created_at
	)`

// Sink mirrors validation decisions into ClickHouse for analytics. Records
// are buffered and flushed in batches; when the buffer is full the record
// is dropped with a warning. The authoritative audit copy lives in Scylla,
// so losing an analytics row is acceptable, blocking a step-up is not.
type Sink struct {
	client        *client.ClickHouseClient
	buf           chan *models.BiometricValidationRecord
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
}

func NewSink(chClient *client.ClickHouseClient, batchSize int, flushInterval time.Duration) *Sink {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	s := &Sink{
		client:        chClient,
		buf:           make(chan *models.BiometricValidationRecord, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Submit queues one record without blocking.
func (s *Sink) Submit(rec *models.BiometricValidationRecord) {
	select {
	case s.buf <- rec:
	default:
		util.Warn("Analytics buffer full, dropping validation record",
			zap.String("validation_id", rec.ValidationID))
	}
}

// Close flushes buffered records and stops the worker.
func (s *Sink) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	pending := make([]*models.BiometricValidationRecord, 0, s.batchSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.flush(pending)
		pending = pending[:0]
	}

	for {
		select {
		case rec := <-s.buf:
			pending = append(pending, rec)
			if len(pending) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is queued, then do a final flush.
			for {
				select {
				case rec := <-s.buf:
					pending = append(pending, rec)
					if len(pending) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) flush(records []*models.BiometricValidationRecord) {
	rows := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		createdDate := rec.CreatedDate
		if createdDate == "" {
			createdDate = rec.CreatedAt.UTC().Format("2006-01-02")
		}
		rows = append(rows, []interface{}{
			rec.ValidationID, rec.UserID, rec.LoginID, rec.Decision,
			rec.ConfidenceScore, rec.DeviceFingerprint, rec.SourceIP,
			createdDate, rec.CreatedAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.client.BatchInsert(ctx, insertValidationsQuery, rows); err != nil {
		util.Error("Failed to flush validation records to ClickHouse",
			zap.Int("batch_size", len(rows)),
			zap.Error(err))
		return
	}

	util.Debug("Validation records flushed to ClickHouse",
		zap.Int("batch_size", len(rows)))
}
