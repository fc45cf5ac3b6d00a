package switches

import (
	"fmt"
	"strings"
)

// validateCreate normalizes request and enforces the creation bounds.
// The payload is stored verbatim; only a blank payload is rejected.
func validateCreate(request CreateRequest) (CreateRequest, error) {
	owner := strings.TrimSpace(request.Owner)
	if owner == "" {
		return CreateRequest{}, validationError(opCreate, reasonMissingOwner, "owner is required")
	}
	if strings.TrimSpace(request.Payload) == "" {
		return CreateRequest{}, validationError(opCreate, reasonInvalidPayload, "payload is required")
	}
	if len(request.Recipients) == 0 {
		return CreateRequest{}, validationError(opCreate, reasonInvalidRecipients, "at least one recipient is required")
	}
	if len(request.Recipients) > MaxRecipients {
		return CreateRequest{}, validationError(opCreate, reasonInvalidRecipients, fmt.Sprintf("maximum %d recipients", MaxRecipients))
	}
	recipients := make([]string, 0, len(request.Recipients))
	for position, recipient := range request.Recipients {
		trimmed := strings.TrimSpace(recipient)
		if trimmed == "" {
			return CreateRequest{}, validationError(opCreate, reasonInvalidRecipients, fmt.Sprintf("recipient %d is empty", position))
		}
		recipients = append(recipients, trimmed)
	}
	if request.CheckinInterval < MinCheckinInterval {
		return CreateRequest{}, validationError(opCreate, reasonInvalidInterval,
			fmt.Sprintf("checkin_interval must be at least %d seconds", MinCheckinInterval))
	}
	if request.CheckinInterval > MaxCheckinInterval {
		return CreateRequest{}, validationError(opCreate, reasonInvalidInterval,
			fmt.Sprintf("checkin_interval must be at most %d seconds", MaxCheckinInterval))
	}
	label := strings.TrimSpace(request.Label)
	if label == "" {
		label = DefaultLabel
	}
	return CreateRequest{
		Owner:           owner,
		Payload:         request.Payload,
		Recipients:      recipients,
		CheckinInterval: request.CheckinInterval,
		Label:           label,
	}, nil
}
