package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacob-bach/icarusd/pkg/types"
)

var (
	bucketJobs      = []byte("jobs")
	bucketTelemetry = []byte("telemetry")
	bucketAudit     = []byte("audit")
	bucketApprovals = []byte("approvals")
)

// BoltStore implements Store using a local bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "icarusd.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketTelemetry, bucketAudit, bucketApprovals} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "job", ID: id}
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateStatus(id string, next types.JobStatus, failureReason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "job", ID: id}
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}

		if !isLegalTransition(job.Status, next) {
			return &ErrInvalidTransition{JobID: id, From: job.Status, To: next}
		}

		job.Status = next
		job.UpdatedAt = time.Now()
		if failureReason != "" {
			job.FailureReason = failureReason
		}
		if completed := completionTime(next); completed != nil {
			job.CompletedAt = completed
		}
		if next == types.JobBuilding || next == types.JobChecking {
			if job.StartedAt == nil {
				started := time.Now()
				job.StartedAt = &started
			}
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

func (s *BoltStore) SetSandboxHandle(id string, role types.SandboxRole, handle string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "job", ID: id}
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}

		switch role {
		case types.RoleBuilder:
			job.BuilderSandboxID = handle
		case types.RoleChecker:
			job.CheckerSandboxID = handle
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

func (s *BoltStore) ListByRecency(status types.JobStatus, limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, data []byte) error {
			var job types.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if status != "" && job.Status != status {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *BoltStore) ListNonTerminal() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, data []byte) error {
			var job types.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if !job.Status.Terminal() {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// appendKey builds the "<jobID>/<seq>" key telemetry and audit buckets
// use so a prefix scan returns entries in append order.
func appendKey(bucket *bolt.Bucket, jobID string) []byte {
	prefix := []byte(jobID + "/")
	seq := uint64(0)
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		seq++
	}
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

func (s *BoltStore) AppendTelemetry(sample *types.TelemetrySample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTelemetry)
		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry sample: %w", err)
		}
		return bucket.Put(appendKey(bucket, sample.JobID), data)
	})
}

func (s *BoltStore) LatestTelemetry(jobID string) (*types.TelemetrySample, error) {
	var sample types.TelemetrySample
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(jobID + "/")
		c := tx.Bucket(bucketTelemetry).Cursor()
		var lastValue []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastValue = v
		}
		if lastValue == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastValue, &sample)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Kind: "telemetry", ID: jobID}
	}
	return &sample, nil
}

func (s *BoltStore) AppendAudit(report *types.AuditReport) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAudit)
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal audit report: %w", err)
		}
		return bucket.Put(appendKey(bucket, report.JobID), data)
	})
}

func (s *BoltStore) LatestAudit(jobID string) (*types.AuditReport, error) {
	var report types.AuditReport
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(jobID + "/")
		c := tx.Bucket(bucketAudit).Cursor()
		var lastValue []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastValue = v
		}
		if lastValue == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastValue, &report)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Kind: "audit report", ID: jobID}
	}
	return &report, nil
}

func (s *BoltStore) RecordApproval(record *types.ApprovalRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal approval record: %w", err)
		}
		return tx.Bucket(bucketApprovals).Put([]byte(record.JobID), data)
	})
}

func (s *BoltStore) GetApproval(jobID string) (*types.ApprovalRecord, error) {
	var record types.ApprovalRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(jobID))
		if data == nil {
			return &ErrNotFound{Kind: "approval", ID: jobID}
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}
