package duckdb

import (
	"errors"
	"fmt"

	"github.com/tinytelemetry/ingress/internal/journal"
	"github.com/tinytelemetry/ingress/internal/model"
)

// ReplayJournal stores every uncommitted journal entry through w in batches
// of batchSize and commits the journal as each batch lands. It returns the
// number of envelopes replayed. Call it before the insert buffer starts
// appending to the same journal.
func ReplayJournal(j *journal.Journal, w model.EnvelopeWriter, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 2000
	}

	var (
		envs   []*model.Envelope
		maxSeq uint64
		total  int
	)
	flush := func() error {
		if len(envs) == 0 {
			return nil
		}
		err := w.InsertEnvelopeBatch(envs)
		var partial *BatchError
		if err != nil && !errors.As(err, &partial) {
			return err
		}
		if partial != nil {
			logger.WithField("dropped", len(partial.Failed)).Warn("journal replay dropped envelopes")
		}
		if err := j.Commit(maxSeq); err != nil {
			return fmt.Errorf("journal commit seq=%d: %w", maxSeq, err)
		}
		total += len(envs)
		envs = envs[:0]
		return nil
	}

	err := j.Replay(func(seq uint64, env *model.Envelope) error {
		envs = append(envs, env)
		maxSeq = seq
		if len(envs) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("replay journal: %w", err)
	}
	if err := flush(); err != nil {
		return total, fmt.Errorf("replay journal: %w", err)
	}
	if total > 0 {
		logger.WithField("envelopes", total).Info("replayed uncommitted journal entries")
	}
	return total, nil
}
