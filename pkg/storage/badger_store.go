package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/models"
	"bitcrawler/pkg/utils"
)

const (
	crawlKeyPrefix = "crawl:" // crawl:<crawl_id> -> CrawlMetadata
	pageKeyPrefix  = "page:"  // page:<crawl_id>:<url> -> PageResult
)

// BadgerStore implements ResultArchive using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Page keys, cached for O(1) Count
}

// NewBadgerStore opens (or creates) an archive at dir. Existing data is kept.
func NewBadgerStore(dir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger.WithField("component", "archive")}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create archive directory %s: %w", utils.ErrFilesystem, dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.WithField("component", "badgerdb")}).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dir, err)
	}

	count, err := store.countKeys([]byte(pageKeyPrefix))
	if err != nil {
		store.log.Warnf("Failed to count existing page results: %v", err)
	} else {
		store.keyCount.Store(int64(count))
	}

	store.log.Infof("Result archive opened at %s (%d page results)", dir, count)
	return store, nil
}

// badgerLogger implements badger.Logger using logrus
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.Entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.Entry.Debugf(f, v...) } // Badger is chatty at info
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.Entry.Debugf(f, v...) }

func pageKey(crawlID, url string) []byte {
	return []byte(pageKeyPrefix + crawlID + ":" + url)
}

func pagePrefix(crawlID string) []byte {
	if crawlID == "" {
		return []byte(pageKeyPrefix)
	}
	return []byte(pageKeyPrefix + crawlID + ":")
}

// countKeys performs a one-time key scan (used only when opening)
func (s *BadgerStore) countKeys(prefix []byte) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Conflicts on overlapping keys resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// SaveCrawl implements ResultArchive
func (s *BadgerStore) SaveCrawl(meta models.CrawlMetadata) error {
	if meta.CrawlID == "" {
		return fmt.Errorf("%w: crawl metadata has no crawl_id", utils.ErrDatabase)
	}
	key := []byte(crawlKeyPrefix + meta.CrawlID)
	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal crawl metadata for key '%s': %w", utils.ErrParsing, string(key), err)
	}

	if err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value))
	}); err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveCrawl: %v", err)
		return fmt.Errorf("%w: saving crawl '%s': %w", utils.ErrDatabase, meta.CrawlID, err)
	}
	return nil
}

// SaveResult implements ResultArchive
func (s *BadgerStore) SaveResult(crawlID string, result models.PageResult) error {
	key := pageKey(crawlID, result.URL)
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal page result for key '%s': %w", utils.ErrParsing, string(key), err)
	}

	isNew := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		isNew = false
		if _, errGet := txn.Get(key); errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		return txn.SetEntry(badger.NewEntry(key, value))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveResult: %v", err)
		return fmt.Errorf("%w: saving result for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// Crawls implements ResultArchive
func (s *BadgerStore) Crawls() ([]models.CrawlMetadata, error) {
	var crawls []models.CrawlMetadata
	prefix := []byte(crawlKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			errValue := item.Value(func(val []byte) error {
				var meta models.CrawlMetadata
				if err := json.Unmarshal(val, &meta); err != nil {
					s.log.Warnf("Skipping undecodable crawl record '%s': %v", string(item.Key()), err)
					return nil
				}
				crawls = append(crawls, meta)
				return nil
			})
			if errValue != nil {
				return errValue
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing crawls: %w", utils.ErrDatabase, err)
	}
	sort.Slice(crawls, func(i, j int) bool {
		return crawls[i].CrawlStartTime.Before(crawls[j].CrawlStartTime)
	})
	return crawls, nil
}

// ForEach implements ResultArchive
func (s *BadgerStore) ForEach(ctx context.Context, crawlID string, fn func(models.PageResult) error) error {
	prefix := pagePrefix(crawlID)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var result models.PageResult
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &result)
			})
			if errValue != nil {
				s.log.Warnf("Skipping undecodable page record '%s': %v", string(item.Key()), errValue)
				continue
			}
			if err := fn(result); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportJSONL implements ResultArchive
func (s *BadgerStore) ExportJSONL(ctx context.Context, crawlID string, w io.Writer) (int, error) {
	writer := bufio.NewWriter(w)
	written := 0
	err := s.ForEach(ctx, crawlID, func(result models.PageResult) error {
		line, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("%w: %w", utils.ErrParsing, err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return err
		}
		written++
		return nil
	})
	if flushErr := writer.Flush(); err == nil {
		err = flushErr
	}
	return written, err
}

// Count implements ResultArchive
func (s *BadgerStore) Count() int {
	return int(s.keyCount.Load())
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				// Rewrite while at least half of a value log file is reclaimable
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Close implements ResultArchive
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing result archive: %v", err)
			return err
		}
		s.log.Info("Result archive closed.")
	}
	return nil
}

