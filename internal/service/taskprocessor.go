package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fieldnote/memoryd/internal/model"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
	registryvector "github.com/fieldnote/memoryd/internal/registry/vector"
	"github.com/google/uuid"
)

const taskTypeVectorStoreDelete = "vector_store_delete"

// TaskProcessor drains the deferred-work queue: rows claimed from
// store.ClaimReadyTasks and dispatched by task type. Currently the
// only task type is vector_store_delete, fired when a conversation
// group is purged and its vectors need cleanup.
type TaskProcessor struct {
	store      registrystore.MemoryStore
	vector     registryvector.VectorStore
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.MemoryStore, vector registryvector.VectorStore) *TaskProcessor {
	return &TaskProcessor{
		store:      store,
		vector:     vector,
		interval:   1 * time.Minute,
		retryDelay: 10 * time.Minute,
		batchSize:  100,
	}
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainReady(ctx)
		}
	}
}

func (p *TaskProcessor) drainReady(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("task processor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		p.dispatch(ctx, task)
	}
}

func (p *TaskProcessor) dispatch(ctx context.Context, task model.Task) {
	if err := p.run(ctx, task.TaskType, task.TaskBody); err != nil {
		log.Error("task processor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
		if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
			log.Error("task processor: record failure failed", "taskId", task.ID, "err", fErr)
		}
		return
	}
	if err := p.store.DeleteTask(ctx, task.ID); err != nil {
		log.Error("task processor: delete task failed", "taskId", task.ID, "err", err)
	}
}

func (p *TaskProcessor) run(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case taskTypeVectorStoreDelete:
		return p.deleteConversationGroupVectors(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) deleteConversationGroupVectors(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil
	}
	groupIDStr, ok := body["conversationGroupId"].(string)
	if !ok {
		return fmt.Errorf("missing or invalid conversationGroupId in task body")
	}
	groupID, err := uuid.Parse(groupIDStr)
	if err != nil {
		return fmt.Errorf("invalid conversationGroupId %q: %w", groupIDStr, err)
	}
	return p.vector.DeleteByConversationGroupID(ctx, groupID)
}
