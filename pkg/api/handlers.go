package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/arxiv/compiler/pkg/dispatch"
	"github.com/arxiv/compiler/pkg/filemanager"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/store"
	"github.com/arxiv/compiler/pkg/types"
)

// ownerHeader carries the owner of the compiled source on read responses.
const ownerHeader = "ARXIV-OWNER"

type compilationRequest struct {
	SourceID     string `json:"source_id" validate:"required"`
	Checksum     string `json:"checksum" validate:"required"`
	OutputFormat string `json:"output_format" validate:"required"`
	Force        bool   `json:"force"`
	StampLabel   string `json:"stamp_label"`
	StampLink    string `json:"stamp_link"`
}

// requestCompilation accepts a new compilation request. An equivalent task
// that already exists answers with a redirect to its status resource unless
// the request forces recompilation.
func (s *Server) requestCompilation(w http.ResponseWriter, r *http.Request) {
	var req compilationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Could not parse request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "source_id, checksum and output_format are required")
		return
	}
	if !types.ValidSourceID(req.SourceID) {
		errorResponse(w, http.StatusBadRequest, "Invalid source_id")
		return
	}
	format, err := types.ParseFormat(req.OutputFormat)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unsupported output format %q", req.OutputFormat))
		return
	}
	checksum, ok := s.normalizeChecksum(req.Checksum)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid checksum")
		return
	}

	token := bearerToken(r)
	if err := s.Authorize(token); err != nil {
		errorResponse(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	statusURL := taskURL(req.SourceID, checksum, format)
	if !req.Force {
		if existing, err := s.tasks.Get(r.Context(), req.SourceID, checksum, format); err == nil {
			if !s.IsAuthorized(existing, s.session(r)) {
				errorResponse(w, http.StatusForbidden, "Access denied")
				return
			}
			w.Header().Set("Location", statusURL)
			w.WriteHeader(http.StatusSeeOther)
			return
		}
	}

	owner, err := s.owners.Owner(r.Context(), req.SourceID, checksum, token)
	switch {
	case err == nil:
	case errors.Is(err, filemanager.ErrNotFound), errors.Is(err, filemanager.ErrBadETag):
		errorResponse(w, http.StatusNotFound, "No such source package or checksum")
		return
	case errors.Is(err, filemanager.ErrRequestForbidden):
		errorResponse(w, http.StatusForbidden, "Access denied")
		return
	case errors.Is(err, filemanager.ErrRequestUnauthorized):
		errorResponse(w, http.StatusUnauthorized, "Not authorized")
		return
	default:
		log.WithSourceID(req.SourceID).Error().Err(err).Msg("owner lookup failed")
		errorResponse(w, http.StatusInternalServerError, "Could not verify source package")
		return
	}

	taskID, err := s.tasks.Start(r.Context(), req.SourceID, checksum,
		req.StampLabel, req.StampLink, format, token, owner)
	if err != nil {
		log.WithSourceID(req.SourceID).Error().Err(err).Msg("failed to start compilation")
		errorResponse(w, http.StatusInternalServerError, "Failed to create compilation task")
		return
	}

	w.Header().Set("Location", statusURL)
	jsonResponse(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// getTaskStatus reports the current state of one compilation task.
func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	sourceID, checksum, format, ok := s.target(w, r)
	if !ok {
		return
	}

	task, err := s.tasks.Get(r.Context(), sourceID, checksum, format)
	if errors.Is(err, dispatch.ErrNoSuchTask) {
		errorResponse(w, http.StatusNotFound, "No such compilation task")
		return
	}
	if err != nil {
		log.WithTaskID(types.TaskID(sourceID, checksum, format)).Error().Err(err).
			Msg("failed to query task state")
		errorResponse(w, http.StatusInternalServerError, "Could not query task state")
		return
	}

	if !s.IsAuthorized(task, s.session(r)) {
		errorResponse(w, http.StatusForbidden, "Access denied")
		return
	}
	if task.Owner != "" {
		w.Header().Set(ownerHeader, task.Owner)
	}
	jsonResponse(w, http.StatusOK, task)
}

// getProduct streams the compiled artifact.
func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	sourceID, checksum, format, ok := s.target(w, r)
	if !ok {
		return
	}
	if !s.authorizeRead(w, r, sourceID, checksum, format) {
		return
	}

	product, err := s.products.Retrieve(r.Context(), sourceID, checksum, format)
	if err != nil {
		productError(w, err, "No such compilation product")
		return
	}
	defer product.Stream.Close()

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.%s"`, sourceID, format.Ext()))
	if product.ETag != "" {
		w.Header().Set("ETag", product.ETag)
	}
	if _, err := io.Copy(w, product.Stream); err != nil {
		log.WithSourceID(sourceID).Error().Err(err).Msg("failed to stream product")
	}
}

// getLog streams the compilation log.
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	sourceID, checksum, format, ok := s.target(w, r)
	if !ok {
		return
	}

	if !s.authorizeRead(w, r, sourceID, checksum, format) {
		return
	}

	product, err := s.products.RetrieveLog(r.Context(), sourceID, checksum, format)
	if err != nil {
		productError(w, err, "No such compilation log")
		return
	}
	defer product.Stream.Close()

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.%s.log"`, sourceID, format.Ext()))
	if product.ETag != "" {
		w.Header().Set("ETag", product.ETag)
	}
	if _, err := io.Copy(w, product.Stream); err != nil {
		log.WithSourceID(sourceID).Error().Err(err).Msg("failed to stream log")
	}
}

// getServiceStatus reports the availability of each upstream dependency.
// Any unavailable dependency turns the response into a 503.
func (s *Server) getServiceStatus(w http.ResponseWriter, r *http.Request) {
	results := s.health.Check(r.Context())

	code := http.StatusOK
	for _, healthy := range results {
		if !healthy {
			code = http.StatusServiceUnavailable
			break
		}
	}
	jsonResponse(w, code, results)
}

// target parses and validates the task triple from the request path. On
// failure it writes the error response and returns ok=false.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (string, string, types.Format, bool) {
	sourceID := chi.URLParam(r, "source_id")
	if !types.ValidSourceID(sourceID) {
		errorResponse(w, http.StatusBadRequest, "Invalid source_id")
		return "", "", "", false
	}
	checksum, ok := s.normalizeChecksum(chi.URLParam(r, "checksum"))
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid checksum")
		return "", "", "", false
	}
	format, err := types.ParseFormat(chi.URLParam(r, "output_format"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Unsupported output format %q", chi.URLParam(r, "output_format")))
		return "", "", "", false
	}
	return sourceID, checksum, format, true
}

// normalizeChecksum validates the requested checksum. When checksum
// verification is disabled, arbitrary upstream etags are accepted by
// URL-safe base64 encoding anything that is not already key safe.
func (s *Server) normalizeChecksum(checksum string) (string, bool) {
	if types.ValidChecksum(checksum) {
		return checksum, true
	}
	if s.verifyChecksum {
		return "", false
	}
	return base64.URLEncoding.EncodeToString([]byte(checksum)), true
}

// authorizeRead checks the caller against the task record and sets the
// owner header. A triple with no task record yet is treated as ownerless.
// On denial the 403 response is written and false returned.
func (s *Server) authorizeRead(w http.ResponseWriter, r *http.Request, sourceID, checksum string, format types.Format) bool {
	task, err := s.tasks.Get(r.Context(), sourceID, checksum, format)
	if err != nil {
		return true
	}
	if !s.IsAuthorized(task, s.session(r)) {
		errorResponse(w, http.StatusForbidden, "Access denied")
		return false
	}
	if task.Owner != "" {
		w.Header().Set(ownerHeader, task.Owner)
	}
	return true
}

// taskURL builds the task resource path with percent-encoded segments; the
// base64 padding character is encoded as well.
func taskURL(sourceID, checksum string, format types.Format) string {
	return "/" + pathSegment(sourceID) + "/" + pathSegment(checksum) + "/" + pathSegment(string(format))
}

func pathSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "=", "%3D")
}

func productError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrDoesNotExist) {
		errorResponse(w, http.StatusNotFound, notFound)
		return
	}
	errorResponse(w, http.StatusInternalServerError, "Could not retrieve from store")
}

// bearerToken extracts the token from the Authorization header, accepting
// both "Bearer <token>" and a bare token.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

func jsonResponse(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}

func errorResponse(w http.ResponseWriter, code int, reason string) {
	jsonResponse(w, code, map[string]string{"reason": reason})
}
