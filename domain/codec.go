package domain

import (
	"encoding/json"
	"fmt"
)

// EncodeSagaJob serializes a SagaJob to JSON, the same encoding the
// Job Store keeps as a job's payload.
func EncodeSagaJob(job *SagaJob) ([]byte, error) {
	if job == nil {
		return nil, fmt.Errorf("domain: nil saga job")
	}
	return json.Marshal(job)
}

// DecodeSagaJob deserializes a SagaJob encoded by EncodeSagaJob.
func DecodeSagaJob(data []byte) (*SagaJob, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("domain: empty saga job payload")
	}
	var job SagaJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
