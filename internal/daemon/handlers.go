package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/takt-dev/takt/internal/enforce"
	"github.com/takt-dev/takt/internal/graph"
	"github.com/takt-dev/takt/internal/governor"
	"github.com/takt-dev/takt/internal/lifecycle"
	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/registry"
	"github.com/takt-dev/takt/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("plan", d.handlePlan)
	d.server.Handle("spawn", d.handleSpawn)
	d.server.Handle("output", d.handleOutput)
	d.server.Handle("progress", d.handleProgress)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("retry", d.handleRetry)
	d.server.Handle("list", d.handleList)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("stop", d.handleStop)
}

// PlanTask is one task declaration in a plan submission.
type PlanTask struct {
	ID            string            `json:"id"`
	Description   string            `json:"description"`
	ResourceClass string            `json:"resource_class"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	TimeoutSec    int               `json:"timeout_sec,omitempty"`
}

type planParams struct {
	Tasks []PlanTask `json:"tasks"`
	// Per-plan overrides of the configured enforcement settings.
	Strict   *bool `json:"strict,omitempty"`
	WindowMs int   `json:"window_ms,omitempty"`
}

type planResult struct {
	TotalWaves int        `json:"total_waves"`
	Waves      [][]string `json:"waves"`
}

// handlePlan installs a new task graph and wave enforcer. Submitting a
// plan replaces any previous one; records of already spawned runs are
// untouched.
func (d *Daemon) handlePlan(req *uds.Request) *uds.Response {
	var params planParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if len(params.Tasks) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "plan has no tasks")
	}

	g := graph.New()
	for _, t := range params.Tasks {
		if err := g.AddTaskUnchecked(t.ID, t.Description, t.ResourceClass, t.DependsOn); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	windowMs := d.config.Enforcer.ParallelWindowMs
	if params.WindowMs > 0 {
		windowMs = params.WindowMs
	}
	strict := d.config.Enforcer.Strict
	if params.Strict != nil {
		strict = *params.Strict
	}

	enf, err := enforce.New(g, enforce.Options{
		ParallelWindow: time.Duration(windowMs) * time.Millisecond,
		Strict:         strict,
		Logger:         d.logger,
		LogLevel:       enforce.LogLevel(d.logLevel),
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	d.manager.SetEnforcer(enf)
	d.planTasks.Store(&params.Tasks)

	gw, err := g.Waves()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	waves := make([][]string, len(gw))
	for i, wave := range gw {
		for _, t := range wave {
			waves[i] = append(waves[i], t.ID)
		}
	}

	d.log(LogLevelInfo, "plan_submitted tasks=%d waves=%d", len(params.Tasks), len(waves))
	return uds.SuccessResponse(planResult{TotalWaves: len(waves), Waves: waves})
}

type spawnParams struct {
	TaskID        string            `json:"task_id,omitempty"`
	Description   string            `json:"description"`
	ResourceClass string            `json:"resource_class"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Params        map[string]string `json:"params"`
	Dir           string            `json:"dir,omitempty"`
	TimeoutSec    int               `json:"timeout_sec,omitempty"`
}

func (d *Daemon) handleSpawn(req *uds.Request) *uds.Response {
	var params spawnParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	// Plan tasks carry their declared params when the spawn request
	// does not override them.
	if params.TaskID != "" && params.Params["command"] == "" {
		if pt := d.lookupPlanTask(params.TaskID); pt != nil {
			if params.Params == nil {
				params.Params = map[string]string{}
			}
			for k, v := range pt.Params {
				if _, ok := params.Params[k]; !ok {
					params.Params[k] = v
				}
			}
			if params.Description == "" {
				params.Description = pt.Description
			}
			if params.ResourceClass == "" {
				params.ResourceClass = pt.ResourceClass
			}
			if params.TimeoutSec == 0 {
				params.TimeoutSec = pt.TimeoutSec
			}
			if params.DependsOn == nil {
				params.DependsOn = pt.DependsOn
			}
		}
	}

	runID, err := d.manager.Spawn(lifecycle.SpawnRequest{
		TaskID:        params.TaskID,
		Description:   params.Description,
		ResourceClass: params.ResourceClass,
		DependsOn:     params.DependsOn,
		Params:        params.Params,
		Dir:           params.Dir,
		TimeoutSec:    params.TimeoutSec,
	})
	if err != nil {
		var verr *lifecycle.SpawnValidationError
		switch {
		case errors.As(err, &verr):
			return uds.ErrorResponse(uds.ErrCodeWaveViolation, verr.Error())
		case errors.Is(err, lifecycle.ErrAcquireTimeout):
			return uds.ErrorResponse(uds.ErrCodeResourceTimeout, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"run_id": runID})
}

func (d *Daemon) lookupPlanTask(taskID string) *PlanTask {
	tasks, _ := d.planTasks.Load().(*[]PlanTask)
	if tasks == nil {
		return nil
	}
	for i := range *tasks {
		if (*tasks)[i].ID == taskID {
			return &(*tasks)[i]
		}
	}
	return nil
}

type runParams struct {
	RunID      string `json:"run_id"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	// NoWait makes output return a status snapshot instead of blocking
	// until the run is terminal.
	NoWait bool `json:"no_wait,omitempty"`
}

func decodeRunParams(req *uds.Request) (runParams, *uds.Response) {
	var params runParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if !model.ValidateRunID(params.RunID) {
		return params, uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("malformed run id: %q", params.RunID))
	}
	return params, nil
}

func (d *Daemon) handleOutput(req *uds.Request) *uds.Response {
	params, errResp := decodeRunParams(req)
	if errResp != nil {
		return errResp
	}

	timeout := 30 * time.Second
	if params.TimeoutSec > 0 {
		timeout = time.Duration(params.TimeoutSec) * time.Second
	}

	out, err := d.manager.Output(params.RunID, !params.NoWait, timeout)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, lifecycle.ErrOutputTimeout):
			return uds.ErrorResponse(uds.ErrCodeTimeout, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"run_id": params.RunID, "output": out})
}

func (d *Daemon) handleProgress(req *uds.Request) *uds.Response {
	params, errResp := decodeRunParams(req)
	if errResp != nil {
		return errResp
	}

	info, err := d.manager.Progress(params.RunID, params.Lines)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(info)
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	params, errResp := decodeRunParams(req)
	if errResp != nil {
		return errResp
	}

	cancelled, err := d.manager.Cancel(params.RunID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	status := "cancelled"
	if !cancelled {
		status = "already_terminal"
	}
	return uds.SuccessResponse(map[string]any{
		"run_id":    params.RunID,
		"cancelled": cancelled,
		"status":    status,
	})
}

func (d *Daemon) handleRetry(req *uds.Request) *uds.Response {
	params, errResp := decodeRunParams(req)
	if errResp != nil {
		return errResp
	}

	newID, err := d.manager.Retry(params.RunID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, lifecycle.ErrNotRetryable):
			return uds.ErrorResponse(uds.ErrCodeNotRetryable, err.Error())
		case errors.Is(err, lifecycle.ErrAcquireTimeout):
			return uds.ErrorResponse(uds.ErrCodeResourceTimeout, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"run_id": newID, "retry_of": params.RunID})
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	recs, err := d.registry.List()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"tasks": recs})
}

// statusResult combines wave enforcement and governor views for the
// status command. Enforcement is null when no plan is active.
type statusResult struct {
	Enforcement  *enforce.EnforcementStatus       `json:"enforcement"`
	ComplianceOK bool                             `json:"compliance_ok"`
	Compliance   string                           `json:"compliance_reason,omitempty"`
	Buckets      map[string]governor.BucketStatus `json:"buckets"`
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	result := statusResult{
		ComplianceOK: true,
		Buckets:      d.governor.Status(),
	}
	if enf := d.manager.Enforcer(); enf != nil {
		st := enf.Status()
		result.Enforcement = &st
		result.ComplianceOK, result.Compliance = enf.CheckParallelCompliance()
	}
	return uds.SuccessResponse(result)
}

type stopParams struct {
	ClearHistory bool `json:"clear_history"`
}

func (d *Daemon) handleStop(req *uds.Request) *uds.Response {
	var params stopParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
	}

	stopped, err := d.manager.StopAll(params.ClearHistory)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]int{"stopped": stopped})
}
