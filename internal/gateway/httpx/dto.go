package httpx

import (
	"encoding/json"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name" validate:"required,max=120"`
	TenantName  string `json:"tenant_name" validate:"omitempty,max=120,excluded_with=TenantID"`
	TenantID    string `json:"tenant_id" validate:"omitempty,uuid"`
}

func (r RegisterRequest) toInput() coordinator.RegistrationInput {
	return coordinator.RegistrationInput{
		Email:       r.Email,
		Password:    r.Password,
		DisplayName: r.DisplayName,
		TenantName:  r.TenantName,
		TenantID:    r.TenantID,
	}
}

type RegistrationResponse struct {
	SagaID   string `json:"saga_id"`
	UserID   string `json:"user_id"`
	AuthID   string `json:"auth_id"`
	TenantID string `json:"tenant_id,omitempty"`
	MemberID string `json:"member_id,omitempty"`
}

func mapRegistrationToResponse(res *coordinator.RegistrationResult) RegistrationResponse {
	return RegistrationResponse{
		SagaID:   res.SagaID,
		UserID:   res.UserID,
		AuthID:   res.AuthID,
		TenantID: res.TenantID,
		MemberID: res.MemberID,
	}
}

// SagaResponse is the full audit view of one saga run.
type SagaResponse struct {
	Instance *sagalog.SagaInstance `json:"instance"`
	Steps    []*sagalog.SagaStep   `json:"steps"`
	Logs     []*sagalog.SagaLog    `json:"logs"`
}

type SagaListResponse struct {
	Status    string                  `json:"status"`
	Instances []*sagalog.SagaInstance `json:"instances"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	SagaID  string `json:"saga_id,omitempty"`
}

// storedResponse is what the idempotency cache keeps per key.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}
