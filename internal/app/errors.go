package app

import (
	"errors"
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func cycleError(nodeID, targetID string) *DomainError {
	return domainError(http.StatusConflict, "CYCLE", "move would create a cycle", map[string]any{
		"nodeId":   nodeID,
		"targetId": targetID,
	})
}

func kindMismatchError(message string) *DomainError {
	return domainError(http.StatusConflict, "KIND_MISMATCH", message, nil)
}

func hasChildrenError(nodeID string, count int) *DomainError {
	return domainError(http.StatusConflict, "HAS_CHILDREN", "node still has children", map[string]any{
		"nodeId":   nodeID,
		"children": count,
	})
}

func permissionDenied(capability, resolvedRole string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", "permission denied", map[string]any{
		"capability":   capability,
		"resolvedRole": resolvedRole,
	})
}

func delegateLimitError(limit int) *DomainError {
	return domainError(http.StatusConflict, "DELEGATE_LIMIT_EXCEEDED", "delegate limit reached", map[string]any{
		"limit": limit,
	})
}

func lastOwnerError(nodeID string) *DomainError {
	return domainError(http.StatusConflict, "LAST_OWNER", "cannot revoke the sole owner without a transfer", map[string]any{
		"nodeId": nodeID,
	})
}

func syncConflictError(nodeID string) *DomainError {
	return domainError(http.StatusConflict, "SYNC_CONFLICT", "node is mirrored from a source site and read-only here", map[string]any{
		"nodeId": nodeID,
	})
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

// errorCode extracts the domain code for timeline extra-data, so denied
// and failed attempts record why.
func errorCode(err error) string {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Code
	}
	return "INTERNAL"
}
