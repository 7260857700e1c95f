package api

import (
	"errors"
	"net/http"

	"github.com/sciffer/labrange/pkg/admission"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/jobs"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/orchestrator"
	"github.com/sciffer/labrange/pkg/statemachine"
	"github.com/sciffer/labrange/pkg/token"
	"github.com/sciffer/labrange/pkg/topology"
	"github.com/sciffer/labrange/pkg/validator"
)

// errorResponse maps a service error to its HTTP status and structured body
func errorResponse(err error) models.ErrorResponse {
	var (
		invalidInput *validator.InvalidInputError
		notReg       *admission.NotRegisteredError
		capacity     *admission.CapacityExceededError
		limit        *admission.LimitExceededError
		active       *admission.ActiveSessionExistsError
		budget       *admission.BudgetExceededError
		transition   *statemachine.InvalidTransitionError
		provisioning *topology.ProvisioningFailedError
	)

	switch {
	case errors.As(err, &invalidInput):
		return respond(http.StatusBadRequest, "invalid_input", err, map[string]interface{}{
			"field":  invalidInput.Field,
			"reason": invalidInput.Reason,
		})
	case errors.Is(err, jobs.ErrUnknownType):
		return respond(http.StatusBadRequest, "invalid_input", err, map[string]interface{}{"field": "type"})
	case errors.Is(err, admission.ErrMaintenanceMode):
		return respond(http.StatusServiceUnavailable, "maintenance_mode", err, nil)
	case errors.As(err, &notReg):
		return respond(http.StatusForbidden, "not_registered", err, map[string]interface{}{
			"event_id": notReg.EventID,
		})
	case errors.As(err, &capacity):
		return respond(http.StatusServiceUnavailable, "capacity_exceeded", err, map[string]interface{}{
			"allowed": capacity.Allowed,
			"current": capacity.Current,
		})
	case errors.As(err, &limit):
		return respond(http.StatusTooManyRequests, "limit_exceeded", err, map[string]interface{}{
			"limit_key": limit.LimitKey,
			"allowed":   limit.Allowed,
			"current":   limit.Current,
			"scope":     limit.Scope,
		})
	case errors.As(err, &active):
		return respond(http.StatusConflict, "active_session_exists", err, map[string]interface{}{
			"session_id": active.SessionID,
		})
	case errors.As(err, &budget):
		return respond(http.StatusPaymentRequired, "budget_exceeded", err, map[string]interface{}{
			"current_month_cost":     budget.CurrentMonthCost,
			"projected_session_cost": budget.ProjectedSessionCost,
			"soft_limit":             budget.SoftLimit,
			"hard_limit":             budget.HardLimit,
			"is_hard_block":          budget.IsHardBlock,
		})
	case errors.As(err, &transition):
		return respond(http.StatusConflict, "invalid_transition", err, map[string]interface{}{
			"from":   transition.From,
			"to":     transition.To,
			"action": transition.Action,
		})
	case errors.Is(err, orchestrator.ErrTerminatedWhileStarting):
		return respond(http.StatusConflict, "session_terminated", err, nil)
	case errors.Is(err, orchestrator.ErrScenarioNotStartable):
		return respond(http.StatusConflict, "scenario_not_startable", err, nil)
	case errors.Is(err, orchestrator.ErrSessionNotActive), errors.Is(err, database.ErrStaleState):
		return respond(http.StatusConflict, "session_not_active", err, nil)
	case errors.Is(err, token.ErrInvalidToken):
		return respond(http.StatusUnauthorized, "invalid_token", err, nil)
	case errors.Is(err, token.ErrBindingMismatch):
		return respond(http.StatusForbidden, "token_mismatch", err, nil)
	case errors.Is(err, database.ErrNotFound):
		return respond(http.StatusNotFound, "not_found", err, nil)
	case errors.As(err, &provisioning):
		return respond(http.StatusBadGateway, "provisioning_failed", err, map[string]interface{}{
			"machine": provisioning.Machine,
		})
	default:
		return models.ErrorResponse{
			Error:   "internal_error",
			Message: "internal server error",
			Code:    http.StatusInternalServerError,
		}
	}
}

func respond(status int, code string, err error, details map[string]interface{}) models.ErrorResponse {
	return models.ErrorResponse{
		Error:   code,
		Message: err.Error(),
		Code:    status,
		Details: details,
	}
}
