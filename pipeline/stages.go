package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/jobq"
	"github.com/hazyhaar/moisson/rawstore"
)

// EnqueueFetch submits one URL capture and returns the job ID.
func (s *Service) EnqueueFetch(ctx context.Context, job FetchJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal fetch job: %w", err)
	}
	return s.fetchQ.Enqueue(ctx, payload)
}

// EnqueueStructuring submits one structuring run and returns the job ID.
func (s *Service) EnqueueStructuring(ctx context.Context, job StructuringJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal structuring job: %w", err)
	}
	return s.structQ.Enqueue(ctx, payload)
}

// handleFetch resolves the owner, captures the URL, upserts the
// extraction to PROCESSING and hands the content to the raw-persist
// queue. Fetch failures go to the dead-letter coordinator and re-raise;
// a missing owner is fatal without replay.
func (s *Service) handleFetch(ctx context.Context, job *jobq.Job) error {
	var fj FetchJob
	if err := json.Unmarshal(job.Payload, &fj); err != nil {
		return fmt.Errorf("pipeline: decode fetch job: %w", err)
	}
	log := s.cfg.Logger

	user, err := s.deps.Catalog.UserByExternalID(ctx, fj.OwnerID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("pipeline: fetch %s: owner %s: %w", fj.URL, fj.OwnerID, err)
		}
		s.deadLetter(ctx, fj, err)
		return err
	}

	res, err := s.deps.Fetcher.Fetch(ctx, fj.URL)
	if err != nil {
		log.Warn("pipeline: fetch failed, dead-lettering",
			"url", fj.URL, "extraction", fj.ExtractionName, "error", err)
		s.deadLetter(ctx, fj, err)
		return err
	}

	refTable := rawstore.Sanitize(fj.ExtractionName + user.ID)
	ext, err := s.deps.Catalog.UpsertExtraction(ctx, user.ID, fj.ExtractionName, refTable, catalog.ExtractionProcessing)
	if err != nil {
		s.deadLetter(ctx, fj, err)
		return err
	}

	rp := RawPersistJob{
		Payload: rawstore.Record{
			Text:       res.Text,
			HTML:       res.HTML,
			Link:       res.URL,
			ScrapedAt:  res.FetchedAt.Format("2006-01-02T15:04:05Z07:00"),
			SourceType: fj.SourceType,
			SourceName: fj.SourceName,
		},
		ExtractionID:   ext.ID,
		ReferenceTable: refTable,
		OwnerID:        user.ID,
	}
	payload, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("pipeline: marshal raw-persist job: %w", err)
	}
	if _, err := s.rawQ.Enqueue(ctx, payload); err != nil {
		s.deadLetter(ctx, fj, err)
		return err
	}

	// A successful pass clears the replay counter for this source.
	if err := s.deps.Catalog.ResetReplayCount(ctx, fj.replayKey()); err != nil {
		log.Warn("pipeline: reset replay count", "error", err)
	}

	log.Info("pipeline: fetched",
		"url", res.URL, "extraction_id", ext.ID, "escalated", res.Escalated)
	return nil
}

// handleRawPersist writes fetched content to the raw store and settles
// the extraction status: DONE on success, ERROR on storage failure.
func (s *Service) handleRawPersist(ctx context.Context, job *jobq.Job) error {
	var rp RawPersistJob
	if err := json.Unmarshal(job.Payload, &rp); err != nil {
		return fmt.Errorf("pipeline: decode raw-persist job: %w", err)
	}

	if _, err := s.deps.Raw.Append(ctx, rp.ReferenceTable, []rawstore.Record{rp.Payload}); err != nil {
		if serr := s.deps.Catalog.SetExtractionStatus(ctx, rp.ExtractionID, catalog.ExtractionError); serr != nil {
			s.cfg.Logger.Error("pipeline: mark extraction ERROR",
				"extraction_id", rp.ExtractionID, "error", serr)
		}
		return err
	}

	if err := s.deps.Catalog.SetExtractionStatus(ctx, rp.ExtractionID, catalog.ExtractionDone); err != nil {
		return err
	}
	s.cfg.Logger.Info("pipeline: raw content persisted",
		"extraction_id", rp.ExtractionID, "table", rp.ReferenceTable)
	return nil
}

// deadLetter forwards a failed fetch job, annotated with its error, to
// the replay queue. Forwarding failures are logged and dropped; the
// original handler error still reaches the queue's failure tracking.
func (s *Service) deadLetter(ctx context.Context, fj FetchJob, cause error) {
	dl := DeadLetterJob{FetchJob: fj, Error: cause.Error()}
	payload, err := json.Marshal(dl)
	if err != nil {
		s.cfg.Logger.Error("pipeline: marshal dead-letter entry", "error", err)
		return
	}
	if _, err := s.dlQ.Enqueue(ctx, payload); err != nil {
		s.cfg.Logger.Error("pipeline: dead-letter enqueue failed",
			"url", fj.URL, "error", err)
	}
}

// handleDeadLetter waits the fixed delay, then resubmits the original
// fetch job with the error annotation dropped. Resubmission is bounded:
// past the replay cap the entry fails terminally instead of cycling
// forever on a permanently broken URL.
func (s *Service) handleDeadLetter(ctx context.Context, job *jobq.Job) error {
	var dl DeadLetterJob
	if err := json.Unmarshal(job.Payload, &dl); err != nil {
		return fmt.Errorf("pipeline: decode dead-letter entry: %w", err)
	}
	log := s.cfg.Logger

	attempts, err := s.deps.Catalog.BumpReplayCount(ctx, dl.replayKey())
	if err != nil {
		return err
	}
	if attempts > s.cfg.ReplayCap {
		log.Warn("pipeline: replay cap reached, dropping",
			"url", dl.URL, "extraction", dl.ExtractionName, "attempts", attempts)
		s.markExtractionError(ctx, dl.OwnerID, dl.ExtractionName)
		return fmt.Errorf("pipeline: replay cap %d reached for %s (last error: %s)",
			s.cfg.ReplayCap, dl.URL, dl.Error)
	}

	if err := s.sleep(ctx, s.cfg.DeadLetterDelay); err != nil {
		return err
	}

	if _, err := s.EnqueueFetch(ctx, dl.FetchJob); err != nil {
		return fmt.Errorf("pipeline: resubmit fetch job: %w", err)
	}
	log.Info("pipeline: dead-lettered job resubmitted",
		"url", dl.URL, "extraction", dl.ExtractionName, "attempt", attempts)
	return nil
}

// markExtractionError settles an extraction to ERROR when its source is
// abandoned, so a run that already reached PROCESSING is not left stuck
// there. An extraction that never got upserted is not an error here.
func (s *Service) markExtractionError(ctx context.Context, ownerID, extractionName string) {
	user, err := s.deps.Catalog.UserByExternalID(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			s.cfg.Logger.Error("pipeline: resolve owner for abandoned source",
				"owner", ownerID, "error", err)
		}
		return
	}
	ext, err := s.deps.Catalog.ExtractionByName(ctx, user.ID, extractionName)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			s.cfg.Logger.Error("pipeline: resolve abandoned extraction",
				"extraction", extractionName, "error", err)
		}
		return
	}
	if err := s.deps.Catalog.SetExtractionStatus(ctx, ext.ID, catalog.ExtractionError); err != nil {
		s.cfg.Logger.Error("pipeline: mark extraction ERROR",
			"extraction_id", ext.ID, "error", err)
	}
}
