package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/workflowservice/v1"

	"github.com/jordanhubbard/cpmbandit/internal/temporal"
)

var workflowStatuses = map[string]bool{
	"Running": true, "Completed": true, "Failed": true, "Canceled": true,
	"Terminated": true, "ContinuedAsNew": true, "TimedOut": true,
}

// WorkflowsListHandler handles GET /v1/workflows?limit=50&status=Running
func WorkflowsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"workflows":        []any{},
				"temporal_enabled": false,
			})
			return
		}

		limit, _ := parsePagination(r, 50)
		limit = min(limit, 200)

		query := "WorkflowType = 'OptimizeCampaignWorkflow'"
		if status := r.URL.Query().Get("status"); status != "" {
			if !workflowStatuses[status] {
				jsonError(w, "unknown workflow status", http.StatusBadRequest)
				return
			}
			query += " AND ExecutionStatus = '" + status + "'"
		}

		resp, err := d.TemporalClient.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			jsonError(w, "temporal query error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		workflows := make([]map[string]any, 0, len(resp.Executions))
		for _, exec := range resp.Executions {
			wf := map[string]any{
				"workflow_id": exec.Execution.WorkflowId,
				"run_id":      exec.Execution.RunId,
				"type":        exec.Type.Name,
				"status":      exec.Status.String(),
				"start_time":  exec.StartTime.AsTime().Format(time.RFC3339),
			}
			if exec.CloseTime != nil {
				wf["close_time"] = exec.CloseTime.AsTime().Format(time.RFC3339)
				wf["duration_ms"] = exec.CloseTime.AsTime().Sub(exec.StartTime.AsTime()).Milliseconds()
			}
			workflows = append(workflows, wf)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflows":        workflows,
			"temporal_enabled": true,
		})
	}
}

// WorkflowDescribeHandler handles GET /v1/workflows/{id} where id is the
// advert ID of a scheduled campaign.
func WorkflowDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			jsonError(w, "temporal not enabled", http.StatusServiceUnavailable)
			return
		}

		workflowID := temporal.WorkflowID(chi.URLParam(r, "id"))
		desc, err := d.TemporalClient.DescribeWorkflowExecution(r.Context(), workflowID, "")
		if err != nil {
			jsonError(w, "describe error: "+err.Error(), http.StatusNotFound)
			return
		}

		info := desc.WorkflowExecutionInfo
		result := map[string]any{
			"workflow_id": info.Execution.WorkflowId,
			"run_id":      info.Execution.RunId,
			"type":        info.Type.Name,
			"status":      info.Status.String(),
			"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
		}
		if info.CloseTime != nil {
			result["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
			result["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
		}

		_ = json.NewEncoder(w).Encode(result)
	}
}
