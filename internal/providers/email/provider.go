package email

import "context"

// Provider sends operational notifications. The orchestrator only ever
// composes subject and body; transport details live here.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}
