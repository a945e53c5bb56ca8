package errs

import "errors"

var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrQueueEntryNotFound   = errors.New("queue entry not found or already resolved")
	ErrRoutingConfigMissing = errors.New("routing config not found")
	ErrAssignmentNotFound   = errors.New("assignment record not found")

	// ErrCapacityExceeded — проиграна гонка за последний слот оператора; вызывающий повторяет assign один раз.
	ErrCapacityExceeded = errors.New("agent capacity exceeded")
	// ErrInvalidTargetAgent — цель трансфера офлайн, не available или без свободных слотов.
	ErrInvalidTargetAgent = errors.New("invalid transfer target agent")

	ErrConversationAlreadyAssigned = errors.New("conversation already assigned")
	ErrConversationNotAssigned     = errors.New("conversation is not assigned to this agent")
	ErrConversationClosed          = errors.New("conversation is closed")
	ErrAlreadyQueued               = errors.New("conversation already has a waiting queue entry")

	ErrInvalidStateTransition = errors.New("invalid agent state transition")
	ErrInvalidRoutingConfig   = errors.New("invalid routing config")
	ErrInvalidAgent           = errors.New("invalid agent")
	ErrInvalidConversation    = errors.New("invalid conversation")
)
