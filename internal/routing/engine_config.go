package routing

import "maps"

// DefaultCompleteCode is the feedback code written by Complete without a parameter
const DefaultCompleteCode = "FTP39"

// EngineOptions are the configured engine settings
type EngineOptions struct {
	InvestigationQueue string
	DelayedReplyQueue  string
	ReplyQueue         string
	CompleteCode       string
	// DuplicateQueues maps a service name to the queue receiving duplicate requests
	DuplicateQueues map[string]string
	// DuplicateReplyQueues maps a service name to the queue receiving duplicate replies
	DuplicateReplyQueues map[string]string
	// Keywords maps a keyword name to the payload field it is derived from
	Keywords map[string]string
}

// EngineConfig holds the caches shared by every component of one engine
// generation. It is built once and replaced, never changed, on reload.
type EngineConfig struct {
	opts                 EngineOptions
	queues               map[string]QueueDefinition
	duplicateQueues      map[string]string
	duplicateReplyQueues map[string]string
	keywords             map[string]string
}

// NewEngineConfig builds the engine caches from opts and the queue definitions
func NewEngineConfig(opts EngineOptions, queues []QueueDefinition) *EngineConfig {
	if opts.CompleteCode == "" {
		opts.CompleteCode = DefaultCompleteCode
	}
	cfg := &EngineConfig{
		opts:                 opts,
		queues:               make(map[string]QueueDefinition, len(queues)),
		duplicateQueues:      maps.Clone(opts.DuplicateQueues),
		duplicateReplyQueues: maps.Clone(opts.DuplicateReplyQueues),
		keywords:             maps.Clone(opts.Keywords),
	}
	for _, q := range queues {
		cfg.queues[q.Name] = q
	}
	if cfg.duplicateQueues == nil {
		cfg.duplicateQueues = map[string]string{}
	}
	if cfg.duplicateReplyQueues == nil {
		cfg.duplicateReplyQueues = map[string]string{}
	}
	return cfg
}

func (c *EngineConfig) Options() EngineOptions { return c.opts }
func (c *EngineConfig) InvestigationQueue() string { return c.opts.InvestigationQueue }
func (c *EngineConfig) DelayedReplyQueue() string { return c.opts.DelayedReplyQueue }
func (c *EngineConfig) ReplyQueue() string { return c.opts.ReplyQueue }
func (c *EngineConfig) CompleteCode() string { return c.opts.CompleteCode }
func (c *EngineConfig) KeywordMappings() map[string]string { return c.keywords }

// Queue returns the definition of a queue
func (c *EngineConfig) Queue(name string) (QueueDefinition, bool) {
	q, ok := c.queues[name]
	return q, ok
}

// GetQueueCache returns the queue definitions keyed by name
func (c *EngineConfig) GetQueueCache() map[string]QueueDefinition {
	return c.queues
}

// GetDuplicateQueueCache returns the duplicate request queues keyed by service
func (c *EngineConfig) GetDuplicateQueueCache() map[string]string {
	return c.duplicateQueues
}

// GetDuplicateReplyQueueCache returns the duplicate reply queues keyed by service
func (c *EngineConfig) GetDuplicateReplyQueueCache() map[string]string {
	return c.duplicateReplyQueues
}

// Exitpoint returns the dispatch target of a queue
func (c *EngineConfig) Exitpoint(queue string) string {
	return c.queues[queue].ExitpointDef
}

// DuplicateQueue returns where duplicate requests of queue's service go
func (c *EngineConfig) DuplicateQueue(queue string) string {
	return c.serviceQueue(c.duplicateQueues, queue)
}

// DuplicateReplyQueue returns where duplicate replies of queue's service go
func (c *EngineConfig) DuplicateReplyQueue(queue string) string {
	return c.serviceQueue(c.duplicateReplyQueues, queue)
}

func (c *EngineConfig) serviceQueue(cache map[string]string, queue string) string {
	if q, ok := cache[c.queues[queue].ServiceName]; ok && q != "" {
		return q
	}
	return c.opts.InvestigationQueue
}
