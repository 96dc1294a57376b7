package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registryattach "github.com/fieldnote/memoryd/internal/registry/attach"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
)

// AttachmentCleanupService periodically deletes attachment rows that
// expired before ever being linked to an entry, along with the
// underlying blob when nothing else references it.
type AttachmentCleanupService struct {
	store       registrystore.MemoryStore
	attachStore registryattach.AttachmentStore
	interval    time.Duration
}

func NewAttachmentCleanupService(store registrystore.MemoryStore, attachStore registryattach.AttachmentStore, interval time.Duration) *AttachmentCleanupService {
	return &AttachmentCleanupService{
		store:       store,
		attachStore: attachStore,
		interval:    interval,
	}
}

func (s *AttachmentCleanupService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *AttachmentCleanupService) sweepExpired(ctx context.Context) {
	var afterCursor *string
	for {
		page, cursor, err := s.store.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{
			Status:      "expired",
			Limit:       200,
			AfterCursor: afterCursor,
		})
		if err != nil {
			log.Error("attachment cleanup: list expired failed", "err", err)
			return
		}
		for _, attachment := range page {
			if attachment.EntryID != nil {
				// still linked to an entry; leave it alone
				continue
			}
			if err := s.store.AdminDeleteAttachment(ctx, attachment.ID); err != nil {
				log.Error("attachment cleanup: delete row failed", "attachmentId", attachment.ID.String(), "err", err)
				continue
			}
			s.deleteBlobIfUnreferenced(ctx, attachment)
		}
		if cursor == nil {
			return
		}
		afterCursor = cursor
	}
}

func (s *AttachmentCleanupService) deleteBlobIfUnreferenced(ctx context.Context, attachment registrystore.AdminAttachment) {
	if s.attachStore == nil || attachment.StorageKey == nil || attachment.RefCount > 1 {
		return
	}
	if err := s.attachStore.Delete(ctx, *attachment.StorageKey); err != nil {
		log.Warn("attachment cleanup: blob delete failed", "attachmentId", attachment.ID.String(), "err", err)
	}
}
