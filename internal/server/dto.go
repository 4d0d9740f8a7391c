package server

import (
	"vetline/internal/arbiter"
	"vetline/internal/domain"
	"vetline/internal/quality"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	BaseURL     *string `json:"base_url,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateRunRequest struct {
	ProjectID      string            `json:"project_id"`
	PRDPath        *string           `json:"prd_path,omitempty"`
	TestedRoutes   []string          `json:"tested_routes,omitempty"`
	EnvFingerprint map[string]string `json:"env_fingerprint,omitempty"`
	AgentVersions  map[string]string `json:"agent_versions,omitempty"`
	PromptVersions map[string]string `json:"prompt_versions,omitempty"`
}

type RunEventRequest struct {
	Event     string         `json:"event" enum:"START,PARSE_COMPLETE,APPROVED,REJECTED,EXECUTION_COMPLETE,REVIEW_COMPLETE,VALIDATION_COMPLETE,CONFIRMED,RETEST,TIMEOUT,ERROR"`
	ShardID   *string        `json:"shard_id,omitempty"`
	Reason    *string        `json:"reason,omitempty"`
	ErrorType *string        `json:"error_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ApprovalRequest struct {
	Approved bool    `json:"approved"`
	Comments *string `json:"comments,omitempty"`
}

type ConfirmationRequest struct {
	Confirmed bool    `json:"confirmed,omitempty"`
	Retest    bool    `json:"retest,omitempty"`
	Comments  *string `json:"comments,omitempty"`
}

type ValidationRequest struct {
	Requirements []domain.Requirement     `json:"requirements,omitempty"`
	TestCases    []domain.TestCase        `json:"test_cases,omitempty"`
	Assertions   []domain.Assertion       `json:"assertions,omitempty"`
	Reviews      []domain.AssertionReview `json:"reviews,omitempty"`
	ReportPath   *string                  `json:"report_path,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads. Domain records are already wire-shaped; composite
// responses wrap them.

type ValidationResponse struct {
	Run         domain.Run         `json:"run"`
	Gate        quality.GateResult `json:"gate"`
	Arbitration arbiter.Summary    `json:"arbitration"`
	Defects     []domain.Defect    `json:"defects,omitempty"`
}

type TimeoutSweepResponse struct {
	TimedOut []string `json:"timed_out,omitempty"`
}

type ProjectStatusResponse struct {
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status"`
	RunCounts map[string]int `json:"run_counts" jsonschema:"type=object,additionalProperties=true"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext, present only in the create response.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plaintext,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
