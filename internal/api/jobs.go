package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/queue"
)

// SyncRequest is the body of POST /v1/sync. Empty fields keep the engine
// defaults; an empty Start resumes from the watermark.
type SyncRequest struct {
	Server     string `json:"server"`
	Start      string `json:"start"`
	End        string `json:"end"`
	CacheFirst *bool  `json:"cache_first"`
	FetchPDFs  *bool  `json:"fetch_pdfs"`
}

// BackfillRequest is the body of POST /v1/backfill. Both passes run unless
// switched off.
type BackfillRequest struct {
	PDFs       *bool `json:"pdfs"`
	Enrichment *bool `json:"enrichment"`
}

// WantPDFs reports whether the PDF pass should run.
func (r BackfillRequest) WantPDFs() bool { return r.PDFs == nil || *r.PDFs }

// WantEnrichment reports whether the enrichment pass should run.
func (r BackfillRequest) WantEnrichment() bool { return r.Enrichment == nil || *r.Enrichment }

type acceptedDTO struct {
	RunID  string `json:"run_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil || s.enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "background jobs unavailable")
		return
	}
	var req SyncRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Server = strings.ToLower(strings.TrimSpace(req.Server))
	if req.Server == "" {
		req.Server = s.defaultServer()
	}
	if !slices.Contains(s.jobs.Servers(), req.Server) {
		writeError(w, http.StatusBadRequest, "unknown server "+req.Server)
		return
	}
	if err := validateRange(req.Start, req.End); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.enqueue(w, r, "sync", func(ctx context.Context) error {
		return s.jobs.Sync(ctx, req)
	})
}

func (s *Server) triggerBackfill(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil || s.enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "background jobs unavailable")
		return
	}
	var req BackfillRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.WantPDFs() && !req.WantEnrichment() {
		writeError(w, http.StatusBadRequest, "nothing to backfill")
		return
	}
	s.enqueue(w, r, "backfill", func(ctx context.Context) error {
		return s.jobs.Backfill(ctx, req)
	})
}

// enqueue queues fn and answers 202 with the run ID. The job runs on the
// dispatcher's context, not the request's.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind string, fn func(ctx context.Context) error) {
	job := queue.Job{ID: s.ids(), Kind: kind, Submitted: s.clock.Now(), Run: fn}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.enqueuer.Enqueue(ctx, job); err != nil {
		s.logger.Warn("enqueue job failed", zap.String("kind", kind), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "job queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedDTO{RunID: job.ID.String(), Kind: kind, Status: "queued"})
}

// decodeOptional accepts an empty body as the zero request.
func decodeOptional(body io.Reader, dst any) error {
	if body == nil {
		return nil
	}
	err := json.NewDecoder(body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func validateRange(start, end string) error {
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := publication.ParseDay(d); err != nil {
			return errors.New("dates must be YYYY-MM-DD")
		}
	}
	if start != "" && end != "" && start > end {
		return errors.New("start must not be after end")
	}
	return nil
}
