// Package notify carries out-of-band work from the API process to the worker
// over a redis stream: outbound mail and cleanup runs.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KindPasswordReset   = "password_reset"
	KindPasswordChanged = "password_changed"
)

const (
	TaskEmail   = "email"
	TaskCleanup = "cleanup"
)

const (
	CleanupSessions    = "sessions"
	CleanupResetTokens = "reset-tokens"
	CleanupAPITokens   = "api-tokens"
)

// Payload is what a template needs to render one message.
type Payload struct {
	Kind string            `json:"kind"`
	Data map[string]string `json:"data,omitempty"`
}

type EmailTask struct {
	To      string  `json:"to"`
	Name    string  `json:"name"`
	Payload Payload `json:"payload"`
}

type CleanupTask struct {
	Targets []string `json:"targets"`
}

type Task struct {
	Type    string       `json:"type"`
	Email   *EmailTask   `json:"email,omitempty"`
	Cleanup *CleanupTask `json:"cleanup,omitempty"`
}

var ErrMalformedTask = errors.New("malformed task")

// Values flattens the task into stream fields.
func (t Task) Values() (map[string]any, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return map[string]any{"type": t.Type, "body": string(body)}, nil
}

// DecodeTask reverses Values for a message read off the stream.
func DecodeTask(values map[string]any) (Task, error) {
	raw, ok := values["body"].(string)
	if !ok {
		return Task{}, fmt.Errorf("%w: missing body", ErrMalformedTask)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	switch task.Type {
	case TaskEmail:
		if task.Email == nil || task.Email.To == "" {
			return Task{}, fmt.Errorf("%w: email task without recipient", ErrMalformedTask)
		}
	case TaskCleanup:
		if task.Cleanup == nil {
			task.Cleanup = &CleanupTask{}
		}
	}
	return task, nil
}
