package publisher

import (
	"context"

	"beatbridge/internal/services"
)

// AutomationSession drives the store admin surface for actions the GraphQL
// API does not expose, currently attaching digital download files to
// variants. Sessions perform one action at a time; the publish lane runs
// sequentially to honor that.
type AutomationSession interface {
	// AttachFile binds a downloadable file to a product variant.
	AttachFile(ctx context.Context, productID, variantID, path string) error
	// Close releases the session.
	Close() error
}

// AutomationFactory opens an automation session for one publish step.
type AutomationFactory func(ctx context.Context) (AutomationSession, error)

// NoAutomation reports the capability as unavailable. Publishing proceeds
// without digital attachments; the gap is surfaced once in the run summary.
func NoAutomation(ctx context.Context) (AutomationSession, error) {
	return nil, services.Wrap(services.ErrCapability, "publishing", "open automation session",
		"No admin automation backend is available", nil)
}
