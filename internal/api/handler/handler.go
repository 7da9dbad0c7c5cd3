package handler

import (
	"log/slog"

	"github.com/cuongbtq/spot-pipeline/internal/api/cache"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
)

// DefaultMaxUploadSize bounds an uploaded image when none is configured.
const DefaultMaxUploadSize int64 = 32 << 20

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Queue         *queue.Queue
	Storage       *storage.Storage
	Cache         cache.StatusCache
	MaxUploadSize int64
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger        *slog.Logger
	queue         *queue.Queue
	storage       *storage.Storage
	cache         cache.StatusCache
	maxUploadSize int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	statusCache := deps.Cache
	if statusCache == nil {
		statusCache = cache.Noop{}
	}
	maxUploadSize := deps.MaxUploadSize
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}

	return &JobHandler{
		logger:        deps.Logger,
		queue:         deps.Queue,
		storage:       deps.Storage,
		cache:         statusCache,
		maxUploadSize: maxUploadSize,
	}
}
