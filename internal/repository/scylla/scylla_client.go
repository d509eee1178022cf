package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"stepup-service/internal/config"
	"stepup-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateSession           *gocql.Query
	GetSession              *gocql.Query
	AttachTempCredential    *gocql.Query
	CompleteSession         *gocql.Query
	ExpireSession           *gocql.Query
	CreateValidation        *gocql.Query
	CreateValidationByLogin *gocql.Query
	GetValidationsByLogin   *gocql.Query
	CreateUser              *gocql.Query
	CreateUsernameToUser    *gocql.Query
	GetUserIDByUsername     *gocql.Query
	GetUserByID             *gocql.Query
	UpdateUserLastLogin     *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO login_sessions (
            login_id, user_id, nonce, temp_credential, final_credential,
            status, created_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
        SELECT login_id, user_id, nonce, temp_credential, final_credential,
            status, created_at, expires_at, completed_at
        FROM login_sessions WHERE login_id = ?`)

	prepared.AttachTempCredential = s.Session.Query(`
        UPDATE login_sessions SET temp_credential = ? WHERE login_id = ?`)

	// Conditional writes: the IF clause makes the pending -> terminal
	// transition atomic across concurrent completion attempts.
	prepared.CompleteSession = s.Session.Query(`
        UPDATE login_sessions
        SET status = ?, final_credential = ?, completed_at = ?
        WHERE login_id = ?
        IF status = ? AND expires_at > ?`)

	prepared.ExpireSession = s.Session.Query(`
        UPDATE login_sessions SET status = ? WHERE login_id = ? IF status = ?`)

	prepared.CreateValidation = s.Session.Query(`
        INSERT INTO biometric_validations (
            validation_bucket, created_date, validation_id, user_id, login_id,
            nonce, decision, confidence_score, assertion_raw, assertion_claims,
            device_fingerprint, source_ip, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateValidationByLogin = s.Session.Query(`
        INSERT INTO validations_by_login (
            login_id, created_at, validation_id, user_id, decision, confidence_score
        ) VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.GetValidationsByLogin = s.Session.Query(`
        SELECT validation_id, user_id, decision, confidence_score, created_at
        FROM validations_by_login WHERE login_id = ?`)

	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, user_id, username, password_hash, password_salt,
            pepper_version, role, is_blocked, created_at, last_login_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateUsernameToUser = s.Session.Query(`
        INSERT INTO username_to_user (username, user_bucket, user_id)
        VALUES (?, ?, ?)`)

	prepared.GetUserIDByUsername = s.Session.Query(`
        SELECT user_bucket, user_id FROM username_to_user WHERE username = ?`)

	prepared.GetUserByID = s.Session.Query(`
        SELECT user_bucket, user_id, username, password_hash, password_salt,
            pepper_version, role, is_blocked, created_at, last_login_at
        FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateUserLastLogin = s.Session.Query(`
        UPDATE users SET last_login_at = ? WHERE user_bucket = ? AND user_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Selected ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
