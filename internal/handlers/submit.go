package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/erf/formgate/internal/apperr"
	"github.com/erf/formgate/internal/metadata"
	"github.com/erf/formgate/internal/pipeline"
)

// maxBodyBytes caps submission payloads well above any legitimate form.
const maxBodyBytes = 1 << 20

// Submitter is the slice of the pipeline the submission handler needs.
type Submitter interface {
	Submit(ctx context.Context, req *pipeline.Request) *pipeline.Result
}

// SubmissionResponse is the body returned for accepted submissions.
type SubmissionResponse struct {
	Success      bool   `json:"success"`
	SubmissionID int64  `json:"submissionId"`
	Erfid        string `json:"erfid"`
	Message      string `json:"message"`
}

// HandleSubmit adapts HTTP to the pipeline: extract request metadata, run
// the decision state machine, and shape the outcome union into status codes
// and JSON. Every response carries the erfid in X-Request-Id so support can
// trace a client report back to the decision.
func HandleSubmit(pipe Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "Request body is unreadable or too large."))
			return
		}

		res := pipe.Submit(r.Context(), &pipeline.Request{
			Body:     body,
			Metadata: metadata.Extract(r),
			APIKey:   r.Header.Get("X-API-KEY"),
		})

		if res.Erfid != "" {
			w.Header().Set("X-Request-Id", res.Erfid)
		}

		if !res.OK() {
			writeError(w, res.Err)
			return
		}

		writeJSON(w, http.StatusCreated, SubmissionResponse{
			Success:      true,
			SubmissionID: res.SubmissionID,
			Erfid:        res.Erfid,
			Message:      res.Message,
		})
	}
}
