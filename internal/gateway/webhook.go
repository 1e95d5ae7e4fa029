package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/guildgate/guildgate/internal/platform/httpx"
)

const maxEventBytes = 1 << 20

// Event types delivered by the platform relay.
const (
	EventMemberUpdate = "member_update"
	EventMemberJoin   = "member_join"
	EventMemberLeave  = "member_leave"
	EventDMReply      = "dm_reply"
)

type eventEnvelope struct {
	Type     string        `json:"type"`
	ServerID string        `json:"server_id"`
	MemberID string        `json:"member_id"`
	Member   memberPayload `json:"member"`
	Before   memberPayload `json:"before"`
	After    memberPayload `json:"after"`
	Content  string        `json:"content"`
}

// Hub receives signed gateway events over HTTP and fans them out to the
// registered observers. The observer lists are fixed at construction.
type Hub struct {
	secret    []byte
	members   []MemberObserver
	messages  []MessageObserver
	logger    *slog.Logger
}

// NewHub constructs a Hub with a fixed observer list.
func NewHub(secret string, members []MemberObserver, messages []MessageObserver, logger *slog.Logger) *Hub {
	return &Hub{
		secret:   []byte(secret),
		members:  members,
		messages: messages,
		logger:   logger,
	}
}

// HandleEvent is the webhook endpoint for gateway event deliveries.
func (h *Hub) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}
	if !h.verify(r.Header.Get("X-Gateway-Signature"), body) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bad signature")
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed event")
		return
	}

	// The relay retries on slow acks, so dispatch outside the request
	// lifetime and acknowledge immediately.
	go h.dispatch(context.WithoutCancel(r.Context()), env)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) verify(signature string, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(raw, mac.Sum(nil))
}

func (h *Hub) dispatch(ctx context.Context, env eventEnvelope) {
	switch env.Type {
	case EventMemberUpdate:
		before := Member{ID: env.Before.ID, RoleIDs: env.Before.RoleIDs}
		after := Member{ID: env.After.ID, RoleIDs: env.After.RoleIDs}
		for _, obs := range h.members {
			obs.OnMemberUpdate(ctx, env.ServerID, before, after)
		}
	case EventMemberJoin:
		member := Member{ID: env.Member.ID, RoleIDs: env.Member.RoleIDs}
		for _, obs := range h.members {
			obs.OnMemberJoin(ctx, env.ServerID, member)
		}
	case EventMemberLeave:
		for _, obs := range h.members {
			obs.OnMemberLeave(ctx, env.ServerID, env.MemberID)
		}
	case EventDMReply:
		for _, obs := range h.messages {
			obs.OnDirectMessageReply(ctx, env.MemberID, env.Content)
		}
	default:
		h.logger.Debug("ignoring unknown gateway event", slog.String("type", env.Type))
	}
}
