package duckdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OtherKinds labels the retention rule for every kind without its own.
const OtherKinds = "*"

// RetentionConfig sets how long envelopes are kept. KindDays overrides
// RetentionDays for single payload kinds; an override of 0 keeps that kind
// forever.
type RetentionConfig struct {
	RetentionDays int
	KindDays      map[string]int
	Interval      time.Duration
}

// RetentionRule expires envelopes of Kind older than MaxAge. Kind
// OtherKinds matches every kind that has no rule of its own.
type RetentionRule struct {
	Kind   string
	MaxAge time.Duration
}

func (c RetentionConfig) rules() []RetentionRule {
	var rules []RetentionRule
	for kind, days := range c.KindDays {
		if days > 0 {
			rules = append(rules, RetentionRule{Kind: kind, MaxAge: time.Duration(days) * 24 * time.Hour})
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Kind < rules[j].Kind })
	if c.RetentionDays > 0 {
		rules = append(rules, RetentionRule{Kind: OtherKinds, MaxAge: time.Duration(c.RetentionDays) * 24 * time.Hour})
	}
	return rules
}

// DeleteExpired applies rules in one transaction and reports the rows each
// rule removed, keyed by kind. exempt lists kinds the OtherKinds rule must
// leave alone beyond those with a rule.
func (s *Store) DeleteExpired(now time.Time, rules []RetentionRule, exempt ...string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	own := append([]string(nil), exempt...)
	for _, r := range rules {
		if r.Kind != OtherKinds {
			own = append(own, r.Kind)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deleted := make(map[string]int64, len(rules))
	for _, r := range rules {
		cutoff := now.Add(-r.MaxAge).UTC()
		query := `DELETE FROM envelopes WHERE timestamp < ? AND kind = ?`
		args := []any{cutoff, r.Kind}
		if r.Kind == OtherKinds {
			query = `DELETE FROM envelopes WHERE timestamp < ?`
			args = []any{cutoff}
			if len(own) > 0 {
				query += ` AND kind NOT IN (?` + strings.Repeat(", ?", len(own)-1) + `)`
				for _, k := range own {
					args = append(args, k)
				}
			}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("expire %s: %w", r.Kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		deleted[r.Kind] = n
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}

// RetentionCleaner periodically expires envelopes by kind.
type RetentionCleaner struct {
	store    *Store
	rules    []RetentionRule
	exempt   []string
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner starts a cleaner and runs a first pass right away.
// It returns nil when no rule would ever expire anything.
func NewRetentionCleaner(store *Store, conf ...RetentionConfig) *RetentionCleaner {
	c := RetentionConfig{RetentionDays: 30}
	if len(conf) > 0 {
		c = conf[0]
	}
	rules := c.rules()
	if len(rules) == 0 {
		return nil
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	var exempt []string
	for kind, days := range c.KindDays {
		if days == 0 {
			exempt = append(exempt, kind)
		}
	}
	sort.Strings(exempt)

	rc := &RetentionCleaner{
		store:    store,
		rules:    rules,
		exempt:   exempt,
		interval: c.Interval,
		done:     make(chan struct{}),
	}

	// catch up after downtime
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	deleted, err := rc.store.DeleteExpired(time.Now(), rc.rules, rc.exempt...)
	if err != nil {
		logger.WithError(err).Error("retention cleanup failed")
		return
	}
	for kind, n := range deleted {
		if n == 0 {
			continue
		}
		logger.WithFields(logrus.Fields{
			"deleted": n,
			"kind":    kind,
		}).Info("retention cleanup removed expired envelopes")
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
