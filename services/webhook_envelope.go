package services

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// eventEnvelope is the provider's signed callback body
type eventEnvelope struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Data struct {
		IntentID   string            `json:"intent_id"`
		TransferID string            `json:"transfer_id"`
		Reason     string            `json:"reason"`
		Metadata   map[string]string `json:"metadata"`
	} `json:"data"`
}

// ParseEventEnvelope decodes a raw webhook body into a GatewayEvent
func ParseEventEnvelope(raw []byte) (*GatewayEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.ID == "" || env.Kind == "" {
		return nil, fmt.Errorf("event envelope missing id or kind")
	}

	event := &GatewayEvent{
		ProviderEventID: env.ID,
		Kind:            env.Kind,
		IntentID:        env.Data.IntentID,
		TransferID:      env.Data.TransferID,
		Reason:          env.Data.Reason,
	}
	if raw, ok := env.Data.Metadata["group_id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
			event.GroupID = uint(id)
		}
	}
	return event, nil
}
