package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	defaultLatestLimit = 20
	maxLatestLimit     = 200
)

type publicationDTO struct {
	Publication publication.Publication `json:"publication"`
	Summary     string                  `json:"summary,omitempty"`
	Keywords    []string                `json:"keywords,omitempty"`
	Critique    string                  `json:"critique,omitempty"`
	PDF         string                  `json:"pdf,omitempty"`
}

// getPublication handles GET /v1/publications/{id}. The response carries any
// stored enrichments and the linked PDF.
func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid publication id")
		return
	}
	ctx := r.Context()
	pub, err := s.store.Fetch(ctx, id)
	if errors.Is(err, publication.ErrNotFound) {
		writeError(w, http.StatusNotFound, "publication not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch publication failed", zap.Int64("publication_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load publication")
		return
	}

	dto := publicationDTO{Publication: pub}
	for _, kind := range publication.Kinds {
		enr, ok, err := s.store.Enrichment(ctx, id, kind)
		if err != nil {
			s.logger.Error("load enrichment failed", zap.Int64("publication_id", id), zap.String("kind", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load enrichments")
			return
		}
		if !ok {
			continue
		}
		switch kind {
		case publication.KindSummary:
			dto.Summary = enr.Text
		case publication.KindKeywords:
			dto.Keywords = enr.Keywords
		case publication.KindCritique:
			dto.Critique = enr.Text
		}
	}
	if path, ok, err := s.store.PDFPath(ctx, id); err != nil {
		s.logger.Warn("load pdf path failed", zap.Int64("publication_id", id), zap.Error(err))
	} else if ok {
		dto.PDF = path
	}
	writeJSON(w, http.StatusOK, dto)
}

// searchPublications handles
// GET /v1/publications?q=a,b&mode=any|all&from=&to=&limit=.
func (s *Server) searchPublications(w http.ResponseWriter, r *http.Request) {
	query, err := parseSearch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]publication.Publication, 0, min(query.Limit, 64))
	for pub, err := range s.store.SearchFor(r.Context(), query) {
		if err != nil {
			s.logger.Error("search failed", zap.Strings("keywords", query.Keywords), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "search failed")
			return
		}
		out = append(out, pub)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keywords":     query.Keywords,
		"mode":         query.Mode,
		"publications": out,
	})
}

func parseSearch(r *http.Request) (publication.SearchQuery, error) {
	q := r.URL.Query()
	var keywords []string
	for _, raw := range q["q"] {
		for _, kw := range strings.Split(raw, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
	}
	mode := publication.MatchAny
	switch strings.ToLower(strings.TrimSpace(q.Get("mode"))) {
	case "", "any":
	case "all":
		mode = publication.MatchAll
	default:
		return publication.SearchQuery{}, errors.New("mode must be any or all")
	}
	from, to := strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to"))
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := publication.ParseDay(d); err != nil {
			return publication.SearchQuery{}, errors.New("dates must be YYYY-MM-DD")
		}
	}
	if from != "" && to != "" && from > to {
		return publication.SearchQuery{}, errors.New("from must not be after to")
	}
	limit, err := parseLimit(q.Get("limit"), defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return publication.SearchQuery{}, err
	}
	return publication.SearchQuery{Keywords: keywords, Mode: mode, From: from, To: to, Limit: limit}, nil
}

// latestPublications handles GET /v1/publications/latest?server=&limit=. It
// reports the server's watermark and size next to the newest records.
func (s *Server) latestPublications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	server := strings.ToLower(strings.TrimSpace(q.Get("server")))
	if server == "" {
		server = s.defaultServer()
	}
	limit, err := parseLimit(q.Get("limit"), defaultLatestLimit, maxLatestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	latest, _, err := s.store.LatestStoredDate(ctx, server)
	if err != nil {
		s.logger.Error("latest stored date failed", zap.String("server", server), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load latest date")
		return
	}
	count, err := s.store.Count(ctx, server)
	if err != nil {
		s.logger.Error("count failed", zap.String("server", server), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count publications")
		return
	}
	newest, err := s.store.ListNewest(ctx, limit)
	if err != nil {
		s.logger.Error("list newest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list publications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":       server,
		"latest_date":  latest,
		"count":        count,
		"publications": newest,
	})
}

func (s *Server) defaultServer() string {
	if s.jobs != nil {
		if servers := s.jobs.Servers(); len(servers) > 0 {
			return servers[0]
		}
	}
	return "medrxiv"
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
