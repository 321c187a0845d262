package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ritta/withdrawals/internal/model"
)

// ManualApprovalResolved is emitted whenever the guardian resolves an
// ad-hoc delegate or the inspector finalizes a confirmed pickup. Delivery
// (push, email) is an external collaborator's job.
type ManualApprovalResolved struct {
	WithdrawalID    uuid.UUID              `json:"withdrawalId"`
	InspectorUserID uuid.UUID              `json:"inspectorUserId"`
	GuardianUserID  uuid.UUID              `json:"guardianUserId"`
	Status          model.WithdrawalStatus `json:"status"`
	Action          model.ApprovalAction   `json:"action"`
	ContactVerified bool                   `json:"contactVerified"`
	Comment         string                 `json:"comment,omitempty"`
	ResolvedAt      time.Time              `json:"resolvedAt"`
}

type Publisher interface {
	PublishManualApprovalResolved(ctx context.Context, event ManualApprovalResolved) error
}

// RedisPublisher pushes events onto a Redis channel for the notification
// service to consume.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) PublishManualApprovalResolved(ctx context.Context, event ManualApprovalResolved) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// NopPublisher drops events; used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) PublishManualApprovalResolved(context.Context, ManualApprovalResolved) error {
	return nil
}

// MemoryPublisher records events in order; test double.
type MemoryPublisher struct {
	Events []ManualApprovalResolved
}

func (p *MemoryPublisher) PublishManualApprovalResolved(_ context.Context, event ManualApprovalResolved) error {
	p.Events = append(p.Events, event)
	return nil
}
