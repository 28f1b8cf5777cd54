// Package withdrawals journals withdrawal state transitions to a WAL so the
// dispatcher can resume confirmation tracking after a restart.
package withdrawals

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

const (
	defaultJournalDir   = "./wal/withdrawals"
	journalSegmentLimit = 1000
	journalKeyPrefix    = "withdrawal_"
	journalDirPerm      = 0o755
)

// Journal is the durable record of every withdrawal. The latest entry for an id wins.
type Journal struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	records map[string]domain.WithdrawalRequest
	l       *zap.Logger
}

type options struct {
	segmentThreshold int
}

// Option configures Open.
type Option func(*options)

// WithSegmentThreshold sets how many records a WAL segment holds before rotation.
func WithSegmentThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.segmentThreshold = n
		}
	}
}

// Open replays the journal under dir.
func Open(dir string, l *zap.Logger, opts ...Option) (*Journal, error) {
	if dir == "" {
		dir = defaultJournalDir
	}
	o := options{segmentThreshold: journalSegmentLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, journalDirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "withdrawal_",
		SegmentThreshold: o.segmentThreshold,
		// segments are never pruned: the latest record of a withdrawal may
		// live in any of them, including the oldest
		MaxSegments:      0,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init withdrawal WAL")
	}

	j := &Journal{wal: wal, records: make(map[string]domain.WithdrawalRequest), l: l}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, journalKeyPrefix) {
			continue
		}
		var req domain.WithdrawalRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			l.Error("failed to unmarshal withdrawal record", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		j.records[req.ID] = req
	}

	return j, nil
}

// Save appends the current state of req.
func (j *Journal) Save(req domain.WithdrawalRequest) error {
	if req.ID == "" {
		return errors.New("withdrawal id is required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal withdrawal")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.wal.Write(j.wal.CurrentIndex()+1, journalKeyPrefix+req.ID, payload); err != nil {
		return errors.Wrapf(err, "journal withdrawal %s", req.ID)
	}
	j.records[req.ID] = req
	return nil
}

// Get returns the latest state of a withdrawal.
func (j *Journal) Get(id string) (domain.WithdrawalRequest, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	req, ok := j.records[id]
	if !ok {
		return domain.WithdrawalRequest{}, errors.Wrapf(domain.ErrNotFound, "withdrawal %s", id)
	}
	return req, nil
}

// List returns the records matching filter, oldest first. A nil filter matches all.
func (j *Journal) List(filter func(domain.WithdrawalRequest) bool) []domain.WithdrawalRequest {
	j.mu.RLock()
	out := make([]domain.WithdrawalRequest, 0, len(j.records))
	for _, req := range j.records {
		if filter == nil || filter(req) {
			out = append(out, req)
		}
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// WithStatus is a List filter.
func WithStatus(statuses ...domain.WithdrawalStatus) func(domain.WithdrawalRequest) bool {
	return func(req domain.WithdrawalRequest) bool {
		for _, s := range statuses {
			if req.Status == s {
				return true
			}
		}
		return false
	}
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}
