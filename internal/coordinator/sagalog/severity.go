package sagalog

import (
	"fmt"
	"strings"
)

var instanceSeverity = map[Status]LogType{
	StatusPending:      LogInfo,
	StatusStarted:      LogDebug,
	StatusRunning:      LogDebug,
	StatusCompleted:    LogInfo,
	StatusFailed:       LogError,
	StatusCompensating: LogError,
	StatusCompensated:  LogInfo,
}

var stepSeverity = map[StepStatus]LogType{
	StepPending:   LogInfo,
	StepStarted:   LogDebug,
	StepRunning:   LogDebug,
	StepCompleted: LogInfo,
	StepFailed:    LogError,
}

// InstanceSeverity maps an instance status to the log type of its audit
// entry. Unknown statuses come back as WARNING.
func InstanceSeverity(s Status) LogType {
	if t, ok := instanceSeverity[s]; ok {
		return t
	}
	return LogWarning
}

// StepSeverity maps a step status to the log type of its audit entry.
// Unknown statuses come back as WARNING.
func StepSeverity(s StepStatus) LogType {
	if t, ok := stepSeverity[s]; ok {
		return t
	}
	return LogWarning
}

func instanceMessage(e InstanceStatusChanged) string {
	if e.From == "" {
		return fmt.Sprintf("saga %q created with status %s", e.Name, e.To)
	}
	return fmt.Sprintf("saga %q status changed from %s to %s", e.Name, e.From, e.To)
}

func stepMessage(e StepStatusChanged) string {
	msg := fmt.Sprintf("step %q (#%d) is %s, changed: %s", e.StepName, e.Order, e.To, strings.Join(e.ChangedFields, ","))
	if e.ErrorMessage != "" {
		msg += ": " + e.ErrorMessage
	}
	return msg
}

func retryMessage(e StepRetried) string {
	return fmt.Sprintf("step %q (#%d) retry %d/%d after: %s", e.StepName, e.Order, e.Attempt, e.MaxRetries, e.Cause)
}

func compensationMessage(e CompensationApplied) string {
	if e.Failed() {
		return fmt.Sprintf("compensation %q failed: %s", e.Name, e.Err)
	}
	return fmt.Sprintf("compensation %q applied", e.Name)
}
