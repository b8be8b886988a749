package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Kafka protocol error code for TOPIC_ALREADY_EXISTS.
const errCodeTopicExists = 36

// ensureTopic creates a topic through the admin API, tolerating the
// already-exists response so boot stays idempotent.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("op=events.ensure_topic: %w: empty topic", domain.ErrInvalidArgument)
	}
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=events.ensure_topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=events.ensure_topic: unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == errCodeTopicExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=events.ensure_topic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}
