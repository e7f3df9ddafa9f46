package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// Errors a sender returns when retrying cannot help.
var (
	ErrUnsupportedChannel = errors.New("no sender configured for channel")
	ErrInvalidAddress     = errors.New("recipient address is not valid for channel")
	ErrRejected           = errors.New("provider rejected the message")
)

// IsPermanent reports whether err means the message can never be delivered
// as addressed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedChannel) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrRejected)
}

// SendRequest is the JSON body posted to an external HTTP provider.
type SendRequest struct {
	ID       string `json:"id"`
	To       string `json:"to"`
	Channel  string `json:"channel"`
	Content  string `json:"content"`
	Metadata any    `json:"metadata,omitempty"`
}

// SendResponse maps the provider's response body.
type SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Provider abstracts delivery to an external notification service.
// Mocking this interface in tests gives full control over provider behaviour
// without making real network calls.
type Provider interface {
	Send(ctx context.Context, d *domain.DeliveryRecord) (*SendResponse, error)
}

// Router picks the provider registered for a record's channel.
type Router struct {
	byChannel map[domain.Channel]Provider
}

func NewRouter() *Router {
	return &Router{byChannel: make(map[domain.Channel]Provider)}
}

// Handle registers p for every given channel and returns the router for chaining.
func (r *Router) Handle(p Provider, channels ...domain.Channel) *Router {
	for _, ch := range channels {
		r.byChannel[ch] = p
	}
	return r
}

// Supports reports whether a provider is registered for ch.
func (r *Router) Supports(ch domain.Channel) bool {
	_, ok := r.byChannel[ch]
	return ok
}

func (r *Router) Send(ctx context.Context, d *domain.DeliveryRecord) (*SendResponse, error) {
	p, ok := r.byChannel[d.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, d.Channel)
	}
	return p.Send(ctx, d)
}

// compile-time check that Router implements Provider
var _ Provider = (*Router)(nil)
