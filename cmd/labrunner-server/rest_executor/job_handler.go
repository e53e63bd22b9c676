// Package restexecutor serves the run-job endpoint of the grading host.
package restexecutor

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/client"
	"github.com/archlab/labrunner/option"
	"github.com/archlab/labrunner/runner"
	"github.com/archlab/labrunner/submission"
	"github.com/archlab/labrunner/worker"
)

type jobHandle struct {
	worker     worker.Worker
	options    runner.Options
	maxPayload int64
	logger     *zap.Logger
}

// NewJobHandle creates a new run-job handle. Every job runs on a pristine
// checkout with the given options.
func NewJobHandle(worker worker.Worker, applyHardware bool, maxPayload int64, logger *zap.Logger) Register {
	return &jobHandle{
		worker: worker,
		options: runner.Options{
			Pristine:      true,
			ApplyHardware: applyHardware,
		},
		maxPayload: maxPayload,
		logger:     logger,
	}
}

func (j *jobHandle) Register(r *gin.Engine) {
	r.POST(client.RunJobPath, j.handleRunJob)
}

func (j *jobHandle) handleRunJob(ctx *gin.Context) {
	if j.maxPayload > 0 {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, j.maxPayload)
	}
	payload, err := j.readPayload(ctx)
	if err != nil {
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}
	sub, err := submission.FromJSON(payload)
	if err != nil {
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}
	if sub.LabSpec == nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, "no lab_spec provided")
		return
	}

	req := &worker.Request{Submission: sub, Options: j.options}
	j.logger.Sugar().Debugf("request: %+v", sub)
	rt := <-j.worker.Submit(ctx.Request.Context(), req)
	j.logger.Sugar().Debugf("response: %v", rt)
	if rt.Error != nil {
		ctx.Error(rt.Error)
		code := http.StatusInternalServerError
		var oe *option.InvalidOptionError
		if errors.As(rt.Error, &oe) {
			code = http.StatusBadRequest
		} else if errors.Is(rt.Error, worker.ErrShutdown) {
			code = http.StatusServiceUnavailable
		}
		ctx.AbortWithStatusJSON(code, rt.Error.Error())
		return
	}

	// encode json directly to avoid allocation
	ctx.Status(http.StatusOK)
	ctx.Header("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(ctx.Writer).Encode(rt.Result); err != nil {
		ctx.Error(err)
	}
}

// readPayload accepts the form field of the remote protocol or a raw
// JSON body
func (j *jobHandle) readPayload(ctx *gin.Context) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(ctx.ContentType())
	if mt == "application/json" {
		return io.ReadAll(ctx.Request.Body)
	}
	p, ok := ctx.GetPostForm(client.PayloadField)
	if !ok {
		return nil, errors.New("no payload provided")
	}
	return []byte(p), nil
}
