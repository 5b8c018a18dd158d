// Package outbox implements the transactional outbox: events are written in
// the same transaction as the state change that caused them and fanned out
// into one delivery row per target node. The dispatcher drains the delivery
// rows; nothing here talks to the network.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/state"
)

// NoTargetsError marks the event status when fan-out found no active node.
const NoTargetsError = "no active node targets"

// Input describes one event to create.
type Input struct {
	Type        model.EventType
	AggregateID string
	Payload     any
	// Roles fans the event out to every active node holding one of the
	// roles. Ignored when NodeID is set.
	Roles []model.NodeRole
	// NodeID targets a single node directly.
	NodeID string
	// KeySuffix overrides the payload hash in the idempotency key. Callers
	// that re-emit per revision pass "<revisionID>:<role>" here.
	KeySuffix string
}

// CreateEvent writes an event and its per-node deliveries inside the caller's
// transaction. If an event with the same idempotency key already exists it is
// returned unchanged and nothing is written. Fan-out to zero nodes marks the
// event FAILED immediately so operators see it rather than it sitting PENDING
// forever.
func CreateEvent(ctx context.Context, tx *state.Store, in Input) (model.OutboxEvent, error) {
	if !in.Type.IsValid() {
		return model.OutboxEvent{}, fmt.Errorf("unknown event type %q", in.Type)
	}
	if in.AggregateID == "" {
		return model.OutboxEvent{}, errors.New("aggregate id required")
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("marshal payload for %s: %w", in.Type, err)
	}

	key, err := IdempotencyKey(in.Type, in.AggregateID, in.KeySuffix, payload)
	if err != nil {
		return model.OutboxEvent{}, err
	}

	if existing, err := tx.GetEventByIdempotencyKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return model.OutboxEvent{}, err
	}

	nodes, err := resolveTargets(ctx, tx, in)
	if err != nil {
		return model.OutboxEvent{}, err
	}

	nowNs := time.Now().UnixNano()
	event := model.OutboxEvent{
		ID:             uuid.NewString(),
		EventType:      string(in.Type),
		AggregateID:    in.AggregateID,
		PayloadJSON:    string(payload),
		RoleTarget:     joinRoles(in.Roles),
		NodeID:         in.NodeID,
		IdempotencyKey: key,
		Status:         model.EventPending,
		CreatedAtNs:    nowNs,
		UpdatedAtNs:    nowNs,
	}
	if len(nodes) == 0 {
		event.Status = model.EventFailed
		event.LastError = NoTargetsError
	}
	if err := tx.InsertEvent(ctx, event); err != nil {
		return model.OutboxEvent{}, err
	}

	for _, nodeID := range nodes {
		err := tx.InsertDelivery(ctx, model.OutboxDelivery{
			EventID:       event.ID,
			NodeID:        nodeID,
			Status:        model.DeliveryPending,
			NextAttemptNs: nowNs,
			CreatedAtNs:   nowNs,
			UpdatedAtNs:   nowNs,
		})
		if err != nil {
			return model.OutboxEvent{}, err
		}
	}
	return event, nil
}

// resolveTargets returns the distinct node ids the event fans out to,
// preserving role order then node creation order.
func resolveTargets(ctx context.Context, tx *state.Store, in Input) ([]string, error) {
	if in.NodeID != "" {
		if _, err := tx.GetNodeEndpoint(ctx, in.NodeID); err != nil {
			return nil, err
		}
		return []string{in.NodeID}, nil
	}

	seen := make(map[string]bool)
	var nodes []string
	for _, role := range in.Roles {
		if !role.IsValid() {
			return nil, fmt.Errorf("unknown node role %q", role)
		}
		endpoints, err := tx.ListActiveNodesByRole(ctx, string(role))
		if err != nil {
			return nil, err
		}
		for _, ep := range endpoints {
			if !seen[ep.ID] {
				seen[ep.ID] = true
				nodes = append(nodes, ep.ID)
			}
		}
	}
	return nodes, nil
}

func joinRoles(roles []model.NodeRole) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// RecomputeEventStatus derives the event status from its deliveries: SENT
// when every delivery landed, FAILED as soon as any delivery is DEAD,
// PENDING otherwise. Returns the status it settled on.
func RecomputeEventStatus(ctx context.Context, tx *state.Store, eventID string) (string, error) {
	deliveries, err := tx.ListDeliveriesByEvent(ctx, eventID)
	if err != nil {
		return "", err
	}

	status := model.EventSent
	lastError := ""
	allSent := true
	for _, d := range deliveries {
		if d.Status != model.DeliverySent {
			allSent = false
		}
		if d.Status == model.DeliveryDead {
			status = model.EventFailed
			lastError = fmt.Sprintf("delivery to %s dead: %s", d.NodeID, d.LastError)
		}
	}
	if status != model.EventFailed && !allSent {
		status = model.EventPending
	}
	if len(deliveries) == 0 {
		// Fan-out produced nothing; leave whatever status CreateEvent set.
		existing, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return "", err
		}
		return existing.Status, nil
	}

	if err := tx.SetEventStatus(ctx, eventID, status, lastError, time.Now().UnixNano()); err != nil {
		return "", err
	}
	return status, nil
}
