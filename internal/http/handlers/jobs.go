package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/intake"
	"creatorstudio/internal/kinds"
	"creatorstudio/internal/middleware"
	"creatorstudio/pkg/zip"
)

type submitResponse struct {
	ID      string           `json:"id"`
	JobID   string           `json:"jobId"`
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type jobDTO struct {
	ID              string           `json:"id"`
	Kind            domain.JobKind   `json:"kind"`
	Status          domain.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	Logs            []string         `json:"logs"`
	Input           json.RawMessage  `json:"input,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreditsConsumed int              `json:"credits_consumed"`
	QueueRef        string           `json:"queue_ref,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func toJobDTO(j *domain.Job) jobDTO {
	logs := j.Logs
	if logs == nil {
		logs = []string{}
	}
	return jobDTO{
		ID:              j.ID,
		Kind:            j.Kind,
		Status:          j.Status,
		Progress:        j.Progress,
		Logs:            logs,
		Input:           j.Input,
		Result:          j.Result,
		ErrorMessage:    j.ErrorMessage,
		CreditsConsumed: j.CreditsConsumed,
		QueueRef:        j.QueueRef,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	// One extra byte lets the intake report oversize payloads.
	body, err := io.ReadAll(io.LimitReader(r.Body, kinds.MaxInputBytes+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	receipt, err := a.Intake.Submit(r.Context(), intake.Submission{
		OwnerID: userID,
		Kind:    chi.URLParam(r, "kind"),
		Input:   body,
		Locale:  middleware.LocaleFromContext(r.Context()),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{
		ID:      receipt.QueueRef,
		JobID:   receipt.JobID,
		Status:  receipt.Status,
		Message: receipt.Message,
	})
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	filter, err := parseJobFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.Intake.List(r.Context(), userID, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]jobDTO, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, toJobDTO(&page.Items[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func parseJobFilter(r *http.Request) (domain.JobFilter, error) {
	q := r.URL.Query()
	var filter domain.JobFilter
	var fields []domain.FieldError
	if v := q.Get("kind"); v != "" {
		kind, err := domain.ParseJobKind(v)
		if err != nil {
			fields = append(fields, domain.FieldError{Field: "kind", Reason: "unsupported"})
		}
		filter.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		switch st := domain.JobStatus(v); st {
		case domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
			filter.Status = st
		default:
			fields = append(fields, domain.FieldError{Field: "status", Reason: "oneof=pending processing completed failed"})
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, domain.FieldError{Field: name, Reason: "min=0"})
			continue
		}
		*dst = n
	}
	if len(fields) > 0 {
		return filter, &domain.ValidationError{Fields: fields}
	}
	return filter, nil
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	job, err := a.Intake.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	del, err := a.Intake.Delete(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":       del.Job.ID,
		"status":   del.Job.Status,
		"dequeued": del.Dequeued,
		"message":  fmt.Sprintf("%s job deleted", del.Job.Kind),
	})
}

// JobArtifacts downloads every stored artifact of a completed job as one zip.
func (a *App) JobArtifacts(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	bundle, err := a.Intake.Artifacts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.zip"`, bundle.Job.Kind, bundle.Job.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, bundle.Files); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", bundle.Job.ID).Msg("artifact download interrupted")
	}
}

func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	credits, err := a.Intake.Credits(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, credits)
}

func (a *App) Kinds(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"items": a.Intake.Kinds()})
}
