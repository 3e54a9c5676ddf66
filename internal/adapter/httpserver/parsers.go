package httpserver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// WebhookEvent is what a delivery boils down to: which record changed and
// what happened to it. The payload body itself is discarded after parsing;
// the normalizer re-fetches the authoritative state.
type WebhookEvent struct {
	EventType  string
	ExternalID string
}

// ParseWebhook extracts the event from a delivery body. The tracker posts
// URL-encoded forms; the mailbox and docs post JSON.
func ParseWebhook(source domain.Source, contentType string, body []byte) (WebhookEvent, error) {
	switch source {
	case domain.SourceTracker:
		if strings.Contains(contentType, "application/json") {
			return parseJSONWebhook(source, body)
		}
		return parseTrackerForm(body)
	default:
		return parseJSONWebhook(source, body)
	}
}

// parseTrackerForm handles the tracker's form-encoded deliveries. Task ids
// arrive as Task.ID on task events and ID on a few legacy event shapes.
func parseTrackerForm(body []byte) (WebhookEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed form payload: %v", domain.ErrInvalidArgument, err)
	}
	id := values.Get("Task.ID")
	if id == "" {
		id = values.Get("ID")
	}
	if id == "" {
		return WebhookEvent{}, fmt.Errorf("%w: delivery carries no task id", domain.ErrInvalidArgument)
	}
	event := values.Get("Event")
	if event == "" {
		event = "unknown"
	}
	return WebhookEvent{EventType: event, ExternalID: id}, nil
}

// jsonWebhookBody covers the id spellings the JSON sources have shipped.
type jsonWebhookBody struct {
	Event          string `json:"event"`
	Type           string `json:"type"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ConversationCC string `json:"conversationId"`
	Conversation   *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Message *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"message"`
	Document *struct {
		ID string `json:"id"`
	} `json:"document"`
}

func parseJSONWebhook(source domain.Source, body []byte) (WebhookEvent, error) {
	var p jsonWebhookBody
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed JSON payload: %v", domain.ErrInvalidArgument, err)
	}
	id := externalID(source, p)
	if id == "" {
		return WebhookEvent{}, fmt.Errorf("%w: delivery carries no %s id", domain.ErrInvalidArgument, source)
	}
	event := p.Event
	if event == "" {
		event = p.Type
	}
	if event == "" {
		event = "unknown"
	}
	return WebhookEvent{EventType: event, ExternalID: id}, nil
}

func externalID(source domain.Source, p jsonWebhookBody) string {
	if source == domain.SourceMailbox {
		switch {
		case p.Conversation != nil && p.Conversation.ID != "":
			return p.Conversation.ID
		case p.ConversationID != "":
			return p.ConversationID
		case p.ConversationCC != "":
			return p.ConversationCC
		case p.Message != nil && p.Message.ConversationID != "":
			return p.Message.ConversationID
		}
		return ""
	}
	if p.Document != nil && p.Document.ID != "" {
		return p.Document.ID
	}
	return p.ID
}
