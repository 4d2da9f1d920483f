package schema

// Event type constants for the instance lifecycle log.
const (
	EventInstanceCreated    = "instance_created"
	EventInstanceScheduled  = "instance_scheduled"
	EventInstanceQueued     = "instance_queued"
	EventInstanceRunning    = "instance_running"
	EventInstanceSucceeded  = "instance_succeeded"
	EventInstanceFailed     = "instance_failed"
	EventInstanceCanceled   = "instance_user_canceled"
	EventInstanceNotified   = "instance_notified"
	EventCustomStateChanged = "custom_state_changed"

	EventStepRunning   = "step_running"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
)

// InstanceLifecycleState represents the lifecycle state of an orchestration instance.
type InstanceLifecycleState string

const (
	InstanceStatePending    InstanceLifecycleState = "pending"
	InstanceStateQueued     InstanceLifecycleState = "queued"
	InstanceStateRunning    InstanceLifecycleState = "running"
	InstanceStateTerminated InstanceLifecycleState = "terminated"
)

// InstanceTerminationState is the outcome of a terminated orchestration instance.
type InstanceTerminationState string

const (
	InstanceTerminationSucceeded    InstanceTerminationState = "succeeded"
	InstanceTerminationFailed       InstanceTerminationState = "failed"
	InstanceTerminationUserCanceled InstanceTerminationState = "user_canceled"
)

// StepLifecycleState represents the lifecycle state of a step instance.
type StepLifecycleState string

const (
	StepStatePending    StepLifecycleState = "pending"
	StepStateRunning    StepLifecycleState = "running"
	StepStateTerminated StepLifecycleState = "terminated"
)

// StepTerminationState is the outcome of a terminated step instance.
type StepTerminationState string

const (
	StepTerminationSucceeded StepTerminationState = "succeeded"
	StepTerminationFailed    StepTerminationState = "failed"
	StepTerminationSkipped   StepTerminationState = "skipped"
)

// SendMeasurementsMilestone is the lifecycle position of a send-measurements instance.
type SendMeasurementsMilestone string

const (
	MilestoneCreated    SendMeasurementsMilestone = "created"
	MilestoneValidated  SendMeasurementsMilestone = "validated"
	MilestoneSent       SendMeasurementsMilestone = "sent"
	MilestoneReceived   SendMeasurementsMilestone = "received"
	MilestoneTerminated SendMeasurementsMilestone = "terminated"
	MilestoneFailed     SendMeasurementsMilestone = "failed"
)

// ParseInstanceLifecycleState validates a string as an InstanceLifecycleState.
func ParseInstanceLifecycleState(s string) (InstanceLifecycleState, error) {
	switch st := InstanceLifecycleState(s); st {
	case InstanceStatePending, InstanceStateQueued, InstanceStateRunning, InstanceStateTerminated:
		return st, nil
	}
	return "", NewErrorf(ErrCodeInvalidRequest, "unknown lifecycle state %q", s)
}

// ParseInstanceTerminationState validates a string as an InstanceTerminationState.
func ParseInstanceTerminationState(s string) (InstanceTerminationState, error) {
	switch st := InstanceTerminationState(s); st {
	case InstanceTerminationSucceeded, InstanceTerminationFailed, InstanceTerminationUserCanceled:
		return st, nil
	}
	return "", NewErrorf(ErrCodeInvalidRequest, "unknown termination state %q", s)
}

// ParseStepTerminationState validates a string as a StepTerminationState.
func ParseStepTerminationState(s string) (StepTerminationState, error) {
	switch st := StepTerminationState(s); st {
	case StepTerminationSucceeded, StepTerminationFailed, StepTerminationSkipped:
		return st, nil
	}
	return "", NewErrorf(ErrCodeInvalidRequest, "unknown step termination state %q", s)
}
