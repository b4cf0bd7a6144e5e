package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/fetch"
	"github.com/hazyhaar/moisson/infer"
	"github.com/hazyhaar/moisson/notify"
	"github.com/hazyhaar/moisson/provision"
	"github.com/hazyhaar/moisson/rawstore"
)

type stubFetcher struct {
	err   error
	calls int
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Result{
		Text:      "content of " + url,
		HTML:      "<p>content</p>",
		URL:       url,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// stubExtractor fails for any text containing "poison".
type stubExtractor struct {
	calls int
	links []string
}

func (e *stubExtractor) Extract(ctx context.Context, text, link string, fields []infer.Field) (map[string]any, error) {
	e.calls++
	e.links = append(e.links, link)
	if strings.Contains(text, "poison") {
		return nil, fmt.Errorf("%w: model refused", infer.ErrInference)
	}
	out := map[string]any{"unexpected": "extra key"}
	for _, f := range fields {
		out[f.Name] = "v-" + f.Name
	}
	return out, nil
}

type harness struct {
	svc  *Service
	cat  *catalog.Store
	raw  *rawstore.Store
	prov *provision.Provisioner
	fet  *stubFetcher
	ext  *stubExtractor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	cat := catalog.NewStore(db)
	if err := cat.Init(ctx); err != nil {
		t.Fatalf("catalog init: %v", err)
	}
	raw := rawstore.NewStore(db)
	prov := provision.New(cat, provision.Config{DataDir: t.TempDir()})
	t.Cleanup(func() { prov.Close() })

	fet := &stubFetcher{}
	ext := &stubExtractor{}
	svc := New(db, Deps{
		Catalog:     cat,
		Raw:         raw,
		Fetcher:     fet,
		Extractor:   ext,
		Provisioner: prov,
		Notifier:    notify.NewHub(),
	}, Config{
		DeadLetterDelay: 5 * time.Second,
		RecordPause:     500 * time.Millisecond,
	})
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("service init: %v", err)
	}
	// Tests record sleeps instead of waiting them out.
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &harness{svc: svc, cat: cat, raw: raw, prov: prov, fet: fet, ext: ext}
}

func (h *harness) user(t *testing.T) *catalog.User {
	t.Helper()
	u, err := h.cat.EnsureUser(context.Background(), "ext-owner", "Owner")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return u
}

func claimInto(t *testing.T, h *harness, queue string, v any) {
	t.Helper()
	var q = h.svc.rawQ
	switch queue {
	case QueueFetch:
		q = h.svc.fetchQ
	case QueueDeadLetter:
		q = h.svc.dlQ
	case QueueStructuring:
		q = h.svc.structQ
	}
	job, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim %s: %v", queue, err)
	}
	if job == nil {
		t.Fatalf("queue %s is empty", queue)
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", queue, err)
	}
}

func TestFetchStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)

	jobPayload, _ := json.Marshal(FetchJob{
		URL:            "https://plumbers.example",
		ExtractionName: "Local Plumbers",
		OwnerID:        "ext-owner",
		SourceType:     "maps",
		SourceName:     "plumbers",
	})
	job, err := h.svc.fetchQ.Enqueue(ctx, jobPayload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.svc.fetchQ.Claim(ctx)
	if err != nil || claimed == nil || claimed.ID != job {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	if err := h.svc.handleFetch(ctx, claimed); err != nil {
		t.Fatalf("handleFetch: %v", err)
	}

	// Extraction upserted to PROCESSING with the derived reference table.
	ext, err := h.cat.ExtractionByName(ctx, u.ID, "Local Plumbers")
	if err != nil {
		t.Fatalf("ExtractionByName: %v", err)
	}
	if ext.Status != catalog.ExtractionProcessing {
		t.Errorf("status = %s, want PROCESSING", ext.Status)
	}
	wantTable := rawstore.Sanitize("Local Plumbers" + u.ID)
	if ext.ReferenceTable != wantTable {
		t.Errorf("reference table = %q, want %q", ext.ReferenceTable, wantTable)
	}

	// A raw-persist job carries the fetched payload.
	var rp RawPersistJob
	claimInto(t, h, QueueRawPersist, &rp)
	if rp.ExtractionID != ext.ID || rp.ReferenceTable != wantTable || rp.OwnerID != u.ID {
		t.Errorf("raw-persist job = %+v", rp)
	}
	if rp.Payload.Text == "" || rp.Payload.Link != "https://plumbers.example" {
		t.Errorf("payload = %+v", rp.Payload)
	}
	if rp.Payload.SourceType != "maps" || rp.Payload.SourceName != "plumbers" {
		t.Errorf("source annotation lost: %+v", rp.Payload)
	}
}

func TestFetchStageUnknownOwnerIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload, _ := json.Marshal(FetchJob{URL: "https://x.example", ExtractionName: "e", OwnerID: "nobody"})
	h.svc.fetchQ.Enqueue(ctx, payload)
	job, _ := h.svc.fetchQ.Claim(ctx)

	err := h.svc.handleFetch(ctx, job)
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	// No replay for a missing owner.
	if n, _ := h.svc.dlQ.Len(ctx); n != 0 {
		t.Errorf("dead-letter queue has %d entries, want 0", n)
	}
	if h.fet.calls != 0 {
		t.Errorf("fetcher called %d times, want 0", h.fet.calls)
	}
}

func TestFetchFailureDeadLettersAndReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t)
	h.fet.err = fetch.ErrFetchFailed

	orig := FetchJob{
		URL:            "https://down.example",
		ExtractionName: "Down Site",
		OwnerID:        "ext-owner",
		SourceType:     "web",
		SourceName:     "down",
	}
	payload, _ := json.Marshal(orig)
	h.svc.fetchQ.Enqueue(ctx, payload)
	job, _ := h.svc.fetchQ.Claim(ctx)

	if err := h.svc.handleFetch(ctx, job); !errors.Is(err, fetch.ErrFetchFailed) {
		t.Fatalf("got %v, want ErrFetchFailed", err)
	}

	// Exactly one dead-letter entry, annotated with the error.
	if n, _ := h.svc.dlQ.Len(ctx); n != 1 {
		t.Fatalf("dead-letter queue has %d entries, want 1", n)
	}
	var dl DeadLetterJob
	claimInto(t, h, QueueDeadLetter, &dl)
	if dl.FetchJob != orig {
		t.Errorf("dead-lettered job = %+v, want %+v", dl.FetchJob, orig)
	}
	if dl.Error == "" {
		t.Error("dead-letter entry missing error annotation")
	}

	// Replay: waits the fixed delay, then re-enqueues the identical job
	// with the annotation dropped.
	var slept []time.Duration
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	dlPayload, _ := json.Marshal(dl)
	h.svc.dlQ.Enqueue(ctx, dlPayload)
	dlJob, _ := h.svc.dlQ.Claim(ctx)
	if err := h.svc.handleDeadLetter(ctx, dlJob); err != nil {
		t.Fatalf("handleDeadLetter: %v", err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Errorf("slept %v, want one 5s delay", slept)
	}

	var replayed FetchJob
	claimInto(t, h, QueueFetch, &replayed)
	if replayed != orig {
		t.Errorf("replayed job = %+v, want %+v", replayed, orig)
	}
}

func TestDeadLetterReplayCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dl := DeadLetterJob{
		FetchJob: FetchJob{URL: "https://broken.example", ExtractionName: "b", OwnerID: "o"},
		Error:    "always down",
	}
	payload, _ := json.Marshal(dl)

	// The cap defaults to 5 replays; the sixth is dropped terminally.
	for i := 1; i <= 6; i++ {
		h.svc.dlQ.Enqueue(ctx, payload)
		job, _ := h.svc.dlQ.Claim(ctx)
		err := h.svc.handleDeadLetter(ctx, job)
		if i <= 5 {
			if err != nil {
				t.Fatalf("replay %d: %v", i, err)
			}
			// Drain the resubmitted fetch job.
			if fj, _ := h.svc.fetchQ.Claim(ctx); fj == nil {
				t.Fatalf("replay %d did not resubmit", i)
			} else {
				h.svc.fetchQ.Ack(ctx, fj.ID)
			}
		} else {
			if err == nil {
				t.Fatal("sixth replay should fail terminally")
			}
			if fj, _ := h.svc.fetchQ.Claim(ctx); fj != nil {
				t.Error("capped entry still resubmitted")
			}
		}
	}
}

func TestReplayCapSettlesExtractionToError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)

	// A fetch already reached PROCESSING before the source went bad.
	refTable := rawstore.Sanitize("news" + u.ID)
	ext, err := h.cat.UpsertExtraction(ctx, u.ID, "news", refTable, catalog.ExtractionProcessing)
	if err != nil {
		t.Fatalf("UpsertExtraction: %v", err)
	}

	dl := DeadLetterJob{
		FetchJob: FetchJob{URL: "https://broken.example", ExtractionName: "news", OwnerID: "ext-owner"},
		Error:    "always down",
	}
	payload, _ := json.Marshal(dl)

	for i := 1; i <= 6; i++ {
		h.svc.dlQ.Enqueue(ctx, payload)
		job, _ := h.svc.dlQ.Claim(ctx)
		err := h.svc.handleDeadLetter(ctx, job)
		if i <= 5 {
			if err != nil {
				t.Fatalf("replay %d: %v", i, err)
			}
			if fj, _ := h.svc.fetchQ.Claim(ctx); fj != nil {
				h.svc.fetchQ.Ack(ctx, fj.ID)
			}
		} else if err == nil {
			t.Fatal("sixth replay should fail terminally")
		}
	}

	stored, err := h.cat.ExtractionByID(ctx, ext.ID)
	if err != nil {
		t.Fatalf("ExtractionByID: %v", err)
	}
	if stored.Status != catalog.ExtractionError {
		t.Errorf("status = %s, want ERROR", stored.Status)
	}
}

// seedStructuring provisions a project and loads raw records, returning
// the extraction and project for a structuring run.
func seedStructuring(t *testing.T, h *harness, texts []string) (*catalog.Extraction, *catalog.Project) {
	t.Helper()
	ctx := context.Background()
	u := h.user(t)

	col := provision.Collection{
		Name:         "shops",
		PrimaryField: "name",
		Fields: []provision.Field{
			{Name: "name", Type: provision.TypeText},
			{Name: "price", Type: provision.TypeNumber},
		},
	}
	proj, _, err := h.prov.CreateProject(ctx, u.ID, "shops", []provision.Collection{col})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	refTable := rawstore.Sanitize("shops" + u.ID)
	var records []rawstore.Record
	for i, text := range texts {
		records = append(records, rawstore.Record{
			Text: text,
			Link: fmt.Sprintf("https://r%d.example", i+1),
		})
	}
	if _, err := h.raw.Append(ctx, refTable, records); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ext, err := h.cat.UpsertExtraction(ctx, u.ID, "shops", refTable, catalog.ExtractionDone)
	if err != nil {
		t.Fatalf("UpsertExtraction: %v", err)
	}
	return ext, proj
}

func TestStructuringIsolatesRecordFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ext, proj := seedStructuring(t, h, []string{
		"record one", "record two", "poison pill", "record four", "record five",
	})

	var pauses int
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		if d == 500*time.Millisecond {
			pauses++
		}
		return nil
	}

	payload, _ := json.Marshal(StructuringJob{ExtractionID: ext.ID, ProjectID: proj.ID})
	h.svc.structQ.Enqueue(ctx, payload)
	job, _ := h.svc.structQ.Claim(ctx)

	if err := h.svc.handleStructuring(ctx, job); err != nil {
		t.Fatalf("handleStructuring: %v", err)
	}

	// One bad record never aborts the batch, and every record is paced.
	if pauses != 5 {
		t.Errorf("paused %d times, want 5", pauses)
	}

	// Each record's source link travels with its text to the model.
	if len(h.ext.links) != 5 || h.ext.links[0] != "https://r1.example" {
		t.Errorf("links seen by extractor = %v", h.ext.links)
	}

	got, err := h.cat.ExtractionByID(ctx, ext.ID)
	if err != nil {
		t.Fatalf("ExtractionByID: %v", err)
	}
	if got.Status != catalog.ExtractionDone {
		t.Errorf("final status = %s, want DONE", got.Status)
	}

	reports, err := h.cat.ListRunReports(ctx, ext.ID, 10)
	if err != nil || len(reports) != 1 {
		t.Fatalf("ListRunReports: %v (%d)", err, len(reports))
	}
	r := reports[0]
	if r.Total != 5 || r.Succeeded != 4 || r.Failed != 1 {
		t.Errorf("report counts = %d/%d/%d, want 5/4/1", r.Total, r.Succeeded, r.Failed)
	}

	var results []RecordResult
	if err := json.Unmarshal([]byte(r.ReportJSON), &results); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	for i, res := range results {
		if i == 2 {
			if res.Error == "" || res.ExtractedData != nil {
				t.Errorf("record 3 = %+v, want error only", res)
			}
			continue
		}
		if res.Error != "" || res.ExtractedData == nil {
			t.Errorf("record %d = %+v, want extracted data", i+1, res)
		}
		// Defensive projection drops the model's extra key.
		if _, ok := res.ExtractedData["unexpected"]; ok {
			t.Errorf("record %d kept an undeclared field", i+1)
		}
	}
}

func TestStructuringMissingProjectMarksError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ext, _ := seedStructuring(t, h, []string{"one"})

	payload, _ := json.Marshal(StructuringJob{ExtractionID: ext.ID, ProjectID: "proj_missing"})
	h.svc.structQ.Enqueue(ctx, payload)
	job, _ := h.svc.structQ.Claim(ctx)

	if err := h.svc.handleStructuring(ctx, job); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	got, _ := h.cat.ExtractionByID(ctx, ext.ID)
	if got.Status != catalog.ExtractionError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
}

func TestEndToEndThroughConsumers(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := h.user(t)

	done := make(chan struct{})
	go func() {
		h.svc.Run(ctx)
		close(done)
	}()

	if _, err := h.svc.EnqueueFetch(ctx, FetchJob{
		URL:            "https://shop.example",
		ExtractionName: "Shop",
		OwnerID:        "ext-owner",
	}); err != nil {
		t.Fatalf("EnqueueFetch: %v", err)
	}

	// Wait for the extraction to settle at DONE through fetch and
	// raw-persist.
	deadline := time.After(10 * time.Second)
	for {
		ext, err := h.cat.ExtractionByName(ctx, u.ID, "Shop")
		if err == nil && ext.Status == catalog.ExtractionDone {
			recs, err := h.raw.Query(ctx, ext.ReferenceTable, 40)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("raw store has %d records, want 1", len(recs))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("pipeline did not settle in time")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
