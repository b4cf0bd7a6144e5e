package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/infer"
	"github.com/hazyhaar/moisson/jobq"
	"github.com/hazyhaar/moisson/notify"
	"github.com/hazyhaar/moisson/provision"
	"github.com/hazyhaar/moisson/rawstore"
)

// handleStructuring reads the raw records of an extraction, infers one
// typed row per record and writes it into the owning project. Records
// fail independently: one bad record annotates its result and the batch
// continues. Failures outside the per-record loop mark the extraction
// ERROR and re-raise.
func (s *Service) handleStructuring(ctx context.Context, job *jobq.Job) error {
	var sj StructuringJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		return fmt.Errorf("pipeline: decode structuring job: %w", err)
	}
	log := s.cfg.Logger

	fail := func(err error) error {
		if serr := s.deps.Catalog.SetExtractionStatus(ctx, sj.ExtractionID, catalog.ExtractionError); serr != nil {
			log.Error("pipeline: mark extraction ERROR",
				"extraction_id", sj.ExtractionID, "error", serr)
		}
		s.deps.Notifier.Notify(ctx, notify.Event{
			ExtractionID: sj.ExtractionID,
			Status:       "error",
			Message:      err.Error(),
		})
		return err
	}

	ext, err := s.deps.Catalog.ExtractionByID(ctx, sj.ExtractionID)
	if err != nil {
		return fail(fmt.Errorf("pipeline: structuring: extraction %s: %w", sj.ExtractionID, err))
	}
	proj, err := s.deps.Catalog.ProjectByID(ctx, sj.ProjectID)
	if err != nil {
		return fail(fmt.Errorf("pipeline: structuring: project %s: %w", sj.ProjectID, err))
	}
	collections, err := provision.DecodeCollections(proj.CollectionsJSON)
	if err != nil {
		return fail(err)
	}
	if len(collections) == 0 {
		return fail(fmt.Errorf("pipeline: structuring: project %s has no collections: %w",
			proj.ID, catalog.ErrNotFound))
	}
	// One active collection per project.
	col := collections[0]

	s.deps.Notifier.Notify(ctx, notify.Event{
		ExtractionID: ext.ID,
		Status:       "start",
		Message:      fmt.Sprintf("structuring %s into %s", ext.Name, proj.Name),
		IsLoading:    true,
	})

	records, err := s.deps.Raw.Query(ctx, ext.ReferenceTable, s.cfg.RawBatchLimit)
	if err != nil {
		return fail(err)
	}

	fields := make([]infer.Field, len(col.Fields))
	declared := make(map[string]bool, len(col.Fields))
	for i, f := range col.Fields {
		fields[i] = infer.Field{Name: f.Name, Type: string(f.Type)}
		declared[f.Name] = true
	}

	results := make([]RecordResult, 0, len(records))
	for _, rec := range records {
		results = append(results, s.structureOne(ctx, proj, col, fields, declared, rec))
		// Fixed pause after every record, success or not, to pace the
		// inference backend.
		if err := s.sleep(ctx, s.cfg.RecordPause); err != nil {
			return fail(err)
		}
	}

	if err := s.saveReport(ctx, ext.ID, results); err != nil {
		return fail(err)
	}
	if err := s.deps.Catalog.SetExtractionStatus(ctx, ext.ID, catalog.ExtractionDone); err != nil {
		return fail(err)
	}

	succeeded := 0
	for _, r := range results {
		if r.Error == "" {
			succeeded++
		}
	}
	log.Info("pipeline: structuring finished",
		"extraction_id", ext.ID, "project_id", proj.ID,
		"records", len(results), "succeeded", succeeded)
	return nil
}

// structureOne runs inference and insert for a single raw record.
func (s *Service) structureOne(ctx context.Context, proj *catalog.Project, col provision.Collection, fields []infer.Field, declared map[string]bool, rec rawstore.Record) RecordResult {
	// Fall through text, then html, then empty.
	text := rec.Text
	if text == "" {
		text = rec.HTML
	}

	extracted, err := s.deps.Extractor.Extract(ctx, text, rec.Link, fields)
	if err != nil {
		return RecordResult{Link: rec.Link, Error: err.Error()}
	}

	// Defensive projection: keep only declared fields, whatever else the
	// model returned.
	row := make(map[string]any, len(extracted))
	for k, v := range extracted {
		if declared[k] {
			row[k] = v
		}
	}

	if _, err := s.deps.Provisioner.InsertRow(ctx, proj, col, row); err != nil {
		return RecordResult{Link: rec.Link, Error: err.Error()}
	}
	return RecordResult{Link: rec.Link, ExtractedData: row}
}

// saveReport persists the aggregate outcome of one structuring run.
func (s *Service) saveReport(ctx context.Context, extractionID string, results []RecordResult) error {
	succeeded := 0
	for _, r := range results {
		if r.Error == "" {
			succeeded++
		}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("pipeline: marshal run report: %w", err)
	}
	return s.deps.Catalog.SaveRunReport(ctx, &catalog.RunReport{
		ExtractionID: extractionID,
		Total:        len(results),
		Succeeded:    succeeded,
		Failed:       len(results) - succeeded,
		ReportJSON:   string(raw),
	})
}
