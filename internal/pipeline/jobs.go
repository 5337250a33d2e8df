package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
)

const failTimeout = 30 * time.Second

// NewProcessJob builds the first-assessment job of an alert.
func NewProcessJob(companyID, alertID int64) (*queue.Job, error) {
	return queue.NewJob(queue.LaneAIProcessing, queue.KindProcessAlert, companyID, alertID, nil)
}

// RevalidatePayload names the investigation cycle a revalidation job runs.
type RevalidatePayload struct {
	Cycle int `json:"cycle"`
}

// NewRevalidateJob builds the job that runs the given investigation cycle.
func NewRevalidateJob(companyID, alertID int64, cycle int) (*queue.Job, error) {
	return queue.NewJob(queue.LaneRevalidation, queue.KindRevalidateAlert, companyID, alertID, RevalidatePayload{Cycle: cycle})
}

func requestFor(job *queue.Job) Request {
	return Request{CompanyID: job.CompanyID, AlertID: job.AlertID, Attempt: job.Attempt, TraceID: job.TraceID}
}

// failJob records a terminal job failure even when the job context is done.
func (p *Pipeline) failJob(ctx context.Context, job *queue.Job, err error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if ferr := p.Fail(failCtx, requestFor(job), err); ferr != nil {
		p.log.Error("Failed to record alert failure", zap.Int64("alert_id", job.AlertID), zap.Error(ferr))
	}
}

// ProcessHandler runs ai-processing lane jobs.
type ProcessHandler struct {
	pipeline *Pipeline
}

// NewProcessHandler wraps p for the ai-processing lane.
func NewProcessHandler(p *Pipeline) *ProcessHandler {
	return &ProcessHandler{pipeline: p}
}

func (h *ProcessHandler) Handle(ctx context.Context, job *queue.Job) error {
	_, err := h.pipeline.Process(ctx, requestFor(job))
	return err
}

func (h *ProcessHandler) Failed(ctx context.Context, job *queue.Job, err error) {
	h.pipeline.failJob(ctx, job, err)
}

// RevalidateHandler runs revalidation lane jobs.
type RevalidateHandler struct {
	pipeline *Pipeline
}

// NewRevalidateHandler wraps p for the revalidation lane.
func NewRevalidateHandler(p *Pipeline) *RevalidateHandler {
	return &RevalidateHandler{pipeline: p}
}

func (h *RevalidateHandler) Handle(ctx context.Context, job *queue.Job) error {
	req := requestFor(job)
	// Jobs enqueued without a payload run whatever cycle is next.
	if len(job.Payload) > 0 {
		var p RevalidatePayload
		if err := job.Decode(&p); err != nil {
			return failure.Validation("pipeline.revalidate", err)
		}
		req.Cycle = p.Cycle
	}
	_, err := h.pipeline.Revalidate(ctx, req)
	return err
}

func (h *RevalidateHandler) Failed(ctx context.Context, job *queue.Job, err error) {
	h.pipeline.failJob(ctx, job, err)
}

var (
	_ queue.Handler = (*ProcessHandler)(nil)
	_ queue.Handler = (*RevalidateHandler)(nil)
)
