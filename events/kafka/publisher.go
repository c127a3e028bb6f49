// Package kafka adapts the teacher's KafkaWriter (storage/broker/kafka)
// into the optional eventing-hook transport of §4.3/§4.7: a Publisher
// that emits one lifecycle message per saga state transition instead
// of the teacher's per-task outbound SagaMsg write.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"
)

// LifecycleEvent is the message published after every Worker state
// transition: in_progress (with a progress percentage), completed, or
// failed.
type LifecycleEvent struct {
	JobID    string `json:"jobId"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

// Publisher implements orchestrator.EventPublisher over a Sarama sync
// producer, generalizing the teacher's KafkaWriter.Write: one topic,
// the job id as the partition key, the lifecycle event as the value.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewPublisher wraps an existing Sarama sync producer. hosts/conf
// construction is left to the caller, exactly as the teacher's
// NewKafkaWriter does, so the same broker configuration (TLS, SASL,
// compression) used elsewhere in a deployment can be reused here.
func NewPublisher(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Publish sends a LifecycleEvent for jobID, blocking until the broker
// acknowledges it (matching the teacher's synchronous SendMessage use).
func (p *Publisher) Publish(ctx context.Context, jobID string, state string, progress int) error {
	payload, err := json.Marshal(LifecycleEvent{JobID: jobID, State: state, Progress: progress})
	if err != nil {
		slog.Error("kafka.Publisher.Publish: marshal error", "job_id", jobID, "error", err.Error())
		return err
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(jobID),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, _, err := p.producer.SendMessage(message); err != nil {
		slog.Error("kafka.Publisher.Publish: SendMessage error", "job_id", jobID, "state", state, "error", err.Error())
		return err
	}

	slog.Info("kafka.Publisher.Publish: success", "job_id", jobID, "state", state, "progress", progress)
	return nil
}
