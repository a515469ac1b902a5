package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/orchestrator"
)

// Run DTOs

// StartRunRequest — тело POST /run.
type StartRunRequest struct {
	Bucket        string     `json:"bucket"`
	Name          string     `json:"name"`
	Generation    flexString `json:"generation"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
}

// ToOrchestrator конвертирует запрос в orchestrator.StartRequest.
func (r StartRunRequest) ToOrchestrator() orchestrator.StartRequest {
	return orchestrator.StartRequest{
		Bucket:        r.Bucket,
		Name:          r.Name,
		Generation:    string(r.Generation),
		SessionID:     r.SessionID,
		CorrelationID: r.CorrelationID,
	}
}

// flexString принимает строку или число (generation часто приходит числом).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("generation must be string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// StepResponse — запись шага.
type StepResponse struct {
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	TaskKey     string            `json:"task_key,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID            string         `json:"run_id"`
	Source        domain.Source  `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CurrentStep   string         `json:"current_step"`
	Status        string         `json:"status"`
	Outcome       string         `json:"outcome,omitempty"`
	Error         string         `json:"error,omitempty"`
	Steps         []StepResponse `json:"steps,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
// Шаги упорядочены по времени создания записи.
func RunFromDomain(r *domain.Run, withSteps bool) RunResponse {
	resp := RunResponse{
		ID:            r.ID,
		Source:        r.Source,
		CorrelationID: r.CorrelationID,
		CurrentStep:   r.CurrentStep,
		Status:        string(r.Status),
		Outcome:       string(r.Outcome),
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		FinishedAt:    r.FinishedAt,
	}
	if !withSteps {
		return resp
	}

	for _, s := range r.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Name:        s.Name,
			Status:      string(s.Status),
			Attempts:    s.Attempts,
			TaskKey:     s.TaskKey,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			Artifacts:   s.Artifacts,
			Error:       s.Error,
		})
	}
	sort.SliceStable(resp.Steps, func(i, j int) bool {
		oi, oj := stepOrder(r, resp.Steps[i].Name), stepOrder(r, resp.Steps[j].Name)
		if oi != oj {
			return oi < oj
		}
		return resp.Steps[i].Name < resp.Steps[j].Name
	})
	return resp
}

// stepOrder — момент появления шага: StartedAt, иначе UpdatedAt.
func stepOrder(r *domain.Run, name string) int64 {
	s := r.Steps[name]
	if s.StartedAt != nil {
		return s.StartedAt.UnixNano()
	}
	return s.UpdatedAt.UnixNano()
}

// Task DTOs

// TaskResponse — ответ с task.
type TaskResponse struct {
	Key            string     `json:"task_key"`
	RunID          string     `json:"run_id"`
	Step           string     `json:"step"`
	Target         string     `json:"target"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	NotBefore      time.Time  `json:"not_before"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task) TaskResponse {
	return TaskResponse{
		Key:            t.Key,
		RunID:          t.RunID,
		Step:           t.Step,
		Target:         t.Target,
		Status:         string(t.Status),
		Attempt:        t.Attempt,
		NotBefore:      t.NotBefore,
		LastStatusCode: t.LastStatusCode,
		Error:          t.Error,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
		CreatedAt:      t.CreatedAt,
	}
}
