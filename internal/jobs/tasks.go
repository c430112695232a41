// Package jobs runs request processing in the background on asynq.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TaskProcessRequest = "requests.process"
	TaskRecheckRequest = "requests.recheck"
)

type RequestPayload struct {
	RequestID string `json:"requestId"`
	// Attempt counts re-checks; zero for the first run.
	Attempt int `json:"attempt"`
}

func NewProcessTask(requestID string) (*asynq.Task, error) {
	return newTask(TaskProcessRequest, RequestPayload{RequestID: requestID})
}

func NewRecheckTask(requestID string, attempt int) (*asynq.Task, error) {
	return newTask(TaskRecheckRequest, RequestPayload{RequestID: requestID, Attempt: attempt})
}

func newTask(typ string, p RequestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}

func ParseRequestPayload(task *asynq.Task) (RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return RequestPayload{}, err
	}
	if p.RequestID == "" {
		return RequestPayload{}, fmt.Errorf("jobs: %s payload without request id", task.Type())
	}
	return p, nil
}
