package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/pdindex/internal/businesscard"
)

// BusinessCardProvider fetches the business card to index for a participant.
type BusinessCardProvider interface {
	GetBusinessCard(ctx context.Context, participantID string) (*businesscard.BusinessCard, error)
}

// DocumentWriter is the write side of the participant document store.
type DocumentWriter interface {
	Index(ctx context.Context, participantID string, card *businesscard.BusinessCard, requesterID string, at time.Time) error
	Delete(ctx context.Context, participantID string, requesterID string, at time.Time) error
}

// IndexPerformer applies work items to the document store. It is the
// Performer used in production.
type IndexPerformer struct {
	provider BusinessCardProvider
	writer   DocumentWriter
	logger   *slog.Logger
}

// NewIndexPerformer creates a performer. A nil logger means slog.Default().
func NewIndexPerformer(provider BusinessCardProvider, writer DocumentWriter, logger *slog.Logger) *IndexPerformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexPerformer{
		provider: provider,
		writer:   writer,
		logger:   logger,
	}
}

// Perform implements Performer.
func (p *IndexPerformer) Perform(ctx context.Context, item *WorkItem) error {
	start := time.Now()
	pid := item.ParticipantID()

	switch item.Operation() {
	case OperationCreateOrUpdate:
		card, err := p.provider.GetBusinessCard(ctx, pid)
		if err != nil {
			return fmt.Errorf("fetch business card: %w", err)
		}
		if card == nil {
			return fmt.Errorf("no business card published for %s", pid)
		}
		if err := card.Validate(); err != nil {
			return fmt.Errorf("invalid business card for %s: %w", pid, err)
		}
		if err := p.writer.Index(ctx, pid, card, item.RequesterID(), item.CreatedAt()); err != nil {
			return fmt.Errorf("index participant: %w", err)
		}

	case OperationDelete:
		if err := p.writer.Delete(ctx, pid, item.RequesterID(), item.CreatedAt()); err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}

	default:
		return fmt.Errorf("unknown operation %q", item.Operation())
	}

	p.logger.Info("work item applied",
		slog.String("participant_id", pid),
		slog.String("operation", string(item.Operation())),
		slog.Duration("duration", time.Since(start)))
	return nil
}
