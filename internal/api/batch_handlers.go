package api

import (
	"net/http"

	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// OpenBatch handles POST /api/v1/batches
func (h *Handler) OpenBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.OpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.InitiatedBy = actorOr(r.Context(), req.InitiatedBy)
	b, err := h.svc.Batches.Open(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, b)
}

// ListBatches handles GET /api/v1/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := batch.ListFilter{
		EntityType: queryEntityType(r, false, c),
		Operation:  types.BatchOperation(q.Get("operation")),
		Status:     types.BatchStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", c),
	}
	if f.Operation != "" && !f.Operation.Valid() {
		c.Add(validation.ValidateEnum("operation", string(f.Operation), []string{"full_sync", "incremental_sync", "conflict_resolution", "cleanup"}))
	}
	if f.Status != "" {
		c.Add(validation.ValidateEnum("status", string(f.Status), []string{"pending", "running", "completed", "failed", "cancelled"}))
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.list_batches", c)
		return
	}
	out, err := h.svc.Batches.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// GetBatch handles GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.get_batch", c)
		return
	}
	b, err := h.svc.Batches.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, b)
}

// BatchProgress handles POST /api/v1/batches/{id}/progress. Counters in
// the body are increments.
func (h *Handler) BatchProgress(w http.ResponseWriter, r *http.Request) {
	var p batch.Progress
	if !decodeJSON(w, r, &p) {
		return
	}
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.batch_progress", c)
		return
	}
	b, err := h.svc.Batches.Progress(r.Context(), id, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, b)
}

// CloseBatchBody is the body of POST /api/v1/batches/{id}/close.
type CloseBatchBody struct {
	Status types.BatchStatus `json:"status"`
	Errors []string          `json:"errors,omitempty"`
}

// CloseBatch handles POST /api/v1/batches/{id}/close
func (h *Handler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	var body CloseBatchBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.close_batch", c)
		return
	}
	b, err := h.svc.Batches.Close(r.Context(), id, body.Status, body.Errors)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, b)
}

// --- tasks ---

// EnqueueTask handles POST /api/v1/tasks
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var t types.ScheduledTask
	if !decodeJSON(w, r, &t) {
		return
	}
	out, err := h.svc.Scheduler.Enqueue(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, out)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := scheduler.ListFilter{
		Status:     types.TaskStatus(q.Get("status")),
		TaskType:   types.TaskType(q.Get("task_type")),
		EntityType: queryEntityType(r, true, c),
		Limit:      queryInt(r, "limit", c),
	}
	if f.TaskType != "" && !f.TaskType.Valid() {
		c.Add(&validation.ValidationError{Field: "task_type", Message: "is not a known task type"})
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.list_tasks", c)
		return
	}
	out, err := h.svc.Scheduler.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// DequeueBody is the body of POST /api/v1/tasks/dequeue.
type DequeueBody struct {
	Limit int `json:"limit"`
}

// DequeueTasks handles POST /api/v1/tasks/dequeue. Dequeued tasks stay
// pending until marked running.
func (h *Handler) DequeueTasks(w http.ResponseWriter, r *http.Request) {
	var body DequeueBody
	if !decodeJSON(w, r, &body) {
		return
	}
	out, err := h.svc.Scheduler.DequeueDue(r.Context(), body.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// MarkTaskRunning handles POST /api/v1/tasks/{id}/running
func (h *Handler) MarkTaskRunning(w http.ResponseWriter, r *http.Request) {
	h.taskTransition(w, r, "api.mark_task_running", func(id string) (*types.ScheduledTask, error) {
		return h.svc.Scheduler.MarkRunning(r.Context(), id)
	})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.taskTransition(w, r, "api.cancel_task", func(id string) (*types.ScheduledTask, error) {
		return h.svc.Scheduler.Cancel(r.Context(), id)
	})
}

// TaskResultBody is the body of POST /api/v1/tasks/{id}/result.
type TaskResultBody struct {
	Status types.TaskStatus `json:"status"`
	Result types.Data       `json:"result,omitempty"`
}

// MarkTaskResult handles POST /api/v1/tasks/{id}/result
func (h *Handler) MarkTaskResult(w http.ResponseWriter, r *http.Request) {
	var body TaskResultBody
	if !decodeJSON(w, r, &body) {
		return
	}
	h.taskTransition(w, r, "api.mark_task_result", func(id string) (*types.ScheduledTask, error) {
		return h.svc.Scheduler.MarkResult(r.Context(), id, body.Status, body.Result)
	})
}

func (h *Handler) taskTransition(w http.ResponseWriter, r *http.Request, op string, fn func(id string) (*types.ScheduledTask, error)) {
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, op, c)
		return
	}
	t, err := fn(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, t)
}
