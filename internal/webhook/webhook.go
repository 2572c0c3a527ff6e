// Package webhook verifies and decodes GitHub webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"

	signaturePrefix = "sha256="
	branchPrefix    = "refs/heads/"
	zeroSHA         = "0000000000000000000000000000000000000000"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Verify checks header against the HMAC-SHA256 of body keyed by secret.
// An empty secret accepts nothing.
func Verify(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: missing %s prefix", ErrInvalidSignature, signaturePrefix)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor formats the header value GitHub would send for body.
func SignatureFor(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}

// Event is one of PushEvent, PingEvent or IgnoredEvent.
type Event interface {
	event()
}

type PushEvent struct {
	Repository string
	Branch     string
	CommitSHA  string
	Pusher     string
}

type PingEvent struct {
	Zen    string
	HookID int64
}

// IgnoredEvent is a delivery that needs no action. Reason says why.
type IgnoredEvent struct {
	Type   string
	Reason string
}

func (PushEvent) event()    {}
func (PingEvent) event()    {}
func (IgnoredEvent) event() {}

type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
	Repo    struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type pingPayload struct {
	Zen    string `json:"zen"`
	HookID int64  `json:"hook_id"`
}

// Parse decodes a verified delivery. Only branch pushes become PushEvent.
func Parse(eventType string, body []byte) (Event, error) {
	switch eventType {
	case "ping":
		var p pingPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return PingEvent{Zen: p.Zen, HookID: p.HookID}, nil
	case "push":
		return parsePush(body)
	default:
		return IgnoredEvent{Type: eventType, Reason: "unhandled event type"}, nil
	}
}

func parsePush(body []byte) (Event, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Repo.FullName == "" {
		return nil, fmt.Errorf("%w: repository.full_name is empty", ErrMalformedPayload)
	}
	branch, ok := strings.CutPrefix(p.Ref, branchPrefix)
	if !ok || branch == "" {
		return IgnoredEvent{Type: "push", Reason: "not a branch: " + p.Ref}, nil
	}
	if p.Deleted || p.After == "" || p.After == zeroSHA {
		return IgnoredEvent{Type: "push", Reason: "branch deleted"}, nil
	}
	pusher := p.Sender.Login
	if pusher == "" {
		pusher = p.Pusher.Name
	}
	return PushEvent{
		Repository: p.Repo.FullName,
		Branch:     branch,
		CommitSHA:  p.After,
		Pusher:     pusher,
	}, nil
}
