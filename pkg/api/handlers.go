package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrvahepc/hepc/pkg/archivestore"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// resultResponse is the wire form of a single result record.
type resultResponse struct {
	QueryPack       string `json:"query_pack"`
	ArchiveID       string `json:"archive_id"`
	ResultURL       string `json:"result_url"`
	ProducedAt      string `json:"produced_at"`
	GitBranch       string `json:"git_branch,omitempty"`
	GitCommitID     string `json:"git_commit_id,omitempty"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
	ToolName        string `json:"tool_name,omitempty"`
	ToolVersion     string `json:"tool_version,omitempty"`
}

func toResultResponse(r *metastore.Result) resultResponse {
	return resultResponse{
		QueryPack:       r.QueryPack,
		ArchiveID:       r.ArchiveID,
		ResultURL:       r.ResultURL,
		ProducedAt:      r.ProducedAt.UTC().Format(time.RFC3339),
		GitBranch:       r.GitBranch,
		GitCommitID:     r.GitCommitID,
		PrimaryLanguage: r.PrimaryLanguage,
		ToolName:        r.ToolName,
		ToolVersion:     r.ToolVersion,
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIndex lists all known query pack identifiers as plain text, one
// per line, in lexical order.
func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	packs, err := s.stores.Load().ListQueryPacks(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list query packs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing query packs"})

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if len(packs) > 0 {
		_, _ = io.WriteString(w, strings.Join(packs, "\n")+"\n")
	}
}

// handleQueryPacks returns the same list as /index, as JSON.
func (s *server) handleQueryPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.stores.Load().ListQueryPacks(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list query packs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing query packs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"query_packs": packs})
}

// handleAllLatestResults returns the latest result per query pack.
func (s *server) handleAllLatestResults(
	w http.ResponseWriter, r *http.Request,
) {
	results, err := s.stores.Load().AllLatestResults(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list latest results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing latest results"})

		return
	}

	resp := make([]resultResponse, 0, len(results))

	for i := range results {
		if !s.archiveAvailable(r, &results[i]) {
			continue
		}

		resp = append(resp, toResultResponse(&results[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLatestResults returns all results for one query pack, newest
// first. Results whose archive has gone missing from the store are
// refused rather than served as broken links.
func (s *server) handleLatestResults(
	w http.ResponseWriter, r *http.Request,
) {
	pack := chi.URLParam(r, "query_pack")
	if pack == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"query pack is required"})

		return
	}

	results, err := s.stores.Load().ResultsByPack(r.Context(), pack)
	if err != nil {
		s.log.WithError(err).
			WithField("query_pack", pack).
			Error("Failed to list results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing results"})

		return
	}

	if len(results) == 0 {
		writeJSON(w, http.StatusNotFound,
			errorResponse{fmt.Sprintf("unknown query pack %q", pack)})

		return
	}

	resp := make([]resultResponse, 0, len(results))

	for i := range results {
		if !s.archiveAvailable(r, &results[i]) {
			continue
		}

		resp = append(resp, toResultResponse(&results[i]))
	}

	if len(resp) == 0 {
		writeJSON(w, http.StatusNotFound,
			errorResponse{fmt.Sprintf(
				"no archives available for query pack %q", pack,
			)})

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// archiveAvailable checks that the archive a result references still
// exists in both the metadata store and the archive store.
func (s *server) archiveAvailable(
	r *http.Request, res *metastore.Result,
) bool {
	archive, err := s.stores.Load().GetArchive(r.Context(), res.ArchiveID)
	if err != nil {
		if !errors.Is(err, metastore.ErrNotFound) {
			s.log.WithError(err).
				WithField("archive_id", res.ArchiveID).
				Warn("Archive lookup failed")
		}

		return false
	}

	if _, err := s.archives.Stat(r.Context(), archive.FilePath); err != nil {
		if !errors.Is(err, archivestore.ErrNotExist) {
			s.log.WithError(err).
				WithField("archive_id", res.ArchiveID).
				Warn("Archive stat failed")
		}

		return false
	}

	return true
}

// handleArchiveDownload streams raw archive bytes for the relative path
// embedded in a stored result_url.
func (s *server) handleArchiveDownload(
	w http.ResponseWriter, r *http.Request,
) {
	relPath := chi.URLParam(r, "*")
	if relPath == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"archive path is required"})

		return
	}

	rc, size, err := s.archives.Open(r.Context(), relPath)
	if err != nil {
		if errors.Is(err, archivestore.ErrNotExist) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"archive not found"})

			return
		}

		s.log.WithError(err).
			WithField("path", relPath).
			Error("Failed to open archive")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"opening archive"})

		return
	}

	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/zip")

	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}

	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		s.log.WithError(err).
			WithField("path", relPath).
			Warn("Archive download interrupted")
	}
}
