// Package audit records who changed or launched which simulation.
// It defines the audit entry, its actions and outcomes, and the Logger
// interface implemented by the stdout and file backends.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"simulator/pkg/config"
)

// Action represents the type of action performed in an audit event.
type Action string

const (
	// ActionCreate indicates a simulation was added.
	ActionCreate Action = "CREATE"
	// ActionUpdate indicates a simulation and its connections were replaced.
	ActionUpdate Action = "UPDATE"
	// ActionDelete indicates a simulation was removed.
	ActionDelete Action = "DELETE"
	// ActionStart indicates a simulation was launched by the runner.
	ActionStart Action = "START"
	// ActionStop indicates the running simulation was shut down.
	ActionStop Action = "STOP"
)

// Outcome represents the result of an audit action.
type Outcome string

const (
	// OutcomeSuccess indicates that the action completed successfully.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure indicates that the action failed due to an error.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeNotFound indicates that no row matched the id and owner.
	OutcomeNotFound Outcome = "NOT_FOUND"
)

// ResourceSimulation is the only resource type audited by the service.
const ResourceSimulation = "simulation"

// Entry represents a single audit log record.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Service      string         `json:"service"`
	Action       Action         `json:"action"`
	Outcome      Outcome        `json:"outcome"`
	Owner        string         `json:"owner,omitempty"`
	ClientIP     string         `json:"client_ip,omitempty"`
	Resource     string         `json:"resource"`
	ResourceID   string         `json:"resource_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger is the interface that audit backends must implement.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, entry *Entry) error

	// Close flushes pending entries and releases resources.
	Close() error
}

// Config holds configuration parameters for the audit logger.
type Config struct {
	Enabled     bool
	Backend     string // stdout, file
	FilePath    string
	MaxSize     int // MB before rotation
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
	BufferSize  int
	FlushPeriod time.Duration
}

// DefaultConfig returns a Config struct with default values.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      30,
		Compress:    true,
		BufferSize:  1000,
		FlushPeriod: 5 * time.Second,
	}
}

// FromConfig converts the service audit section into a backend Config.
func FromConfig(cfg *config.AuditConfig) *Config {
	c := DefaultConfig()
	c.Enabled = cfg.Enabled
	if cfg.Backend != "" {
		c.Backend = cfg.Backend
	}
	c.FilePath = cfg.FilePath
	if cfg.BufferSize > 0 {
		c.BufferSize = cfg.BufferSize
	}
	if cfg.FlushPeriod > 0 {
		c.FlushPeriod = cfg.FlushPeriod
	}
	return c
}

// Builder provides a fluent API for constructing an Entry.
type Builder struct {
	entry *Entry
}

// NewEntry starts an entry for a simulation resource.
func NewEntry() *Builder {
	return &Builder{
		entry: &Entry{
			Timestamp: time.Now().UTC(),
			Resource:  ResourceSimulation,
			Metadata:  make(map[string]any),
		},
	}
}

// Service sets the service name.
func (b *Builder) Service(s string) *Builder {
	b.entry.Service = s
	return b
}

// Action sets the action type.
func (b *Builder) Action(a Action) *Builder {
	b.entry.Action = a
	return b
}

// Outcome sets the outcome.
func (b *Builder) Outcome(o Outcome) *Builder {
	b.entry.Outcome = o
	return b
}

// Owner sets the caller identity; empty means anonymous.
func (b *Builder) Owner(owner string) *Builder {
	b.entry.Owner = owner
	return b
}

// Client sets the client IP.
func (b *Builder) Client(ip string) *Builder {
	b.entry.ClientIP = ip
	return b
}

// Simulation sets the affected simulation id.
func (b *Builder) Simulation(id int64) *Builder {
	if id != 0 {
		b.entry.ResourceID = strconv.FormatInt(id, 10)
	}
	return b
}

// RequestID sets the request ID.
func (b *Builder) RequestID(id string) *Builder {
	b.entry.RequestID = id
	return b
}

// Duration sets the duration of the operation.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.entry.DurationMs = d.Milliseconds()
	return b
}

// Error marks the entry as failed with the given code and message.
func (b *Builder) Error(code, message string) *Builder {
	b.entry.Outcome = OutcomeFailure
	b.entry.ErrorCode = code
	b.entry.ErrorMessage = message
	return b
}

// Meta adds a key-value pair to the metadata.
func (b *Builder) Meta(key string, value any) *Builder {
	b.entry.Metadata[key] = value
	return b
}

// Build finalizes the Entry and assigns a UUID if none is set.
func (b *Builder) Build() *Entry {
	if b.entry.ID == "" {
		b.entry.ID = uuid.NewString()
	}
	if b.entry.Outcome == "" {
		b.entry.Outcome = OutcomeSuccess
	}
	if len(b.entry.Metadata) == 0 {
		b.entry.Metadata = nil
	}
	return b.entry
}

type requestKey struct{}

// RequestInfo describes the HTTP request an audited action came from.
type RequestInfo struct {
	RequestID string
	ClientIP  string
}

// WithRequest stores request details for entries built further down the call chain.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFromContext returns the stored request details, zero value if absent.
func RequestFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestKey{}).(RequestInfo)
	return info
}

// Context copies request details from ctx into the entry.
func (b *Builder) Context(ctx context.Context) *Builder {
	info := RequestFromContext(ctx)
	b.entry.RequestID = info.RequestID
	b.entry.ClientIP = info.ClientIP
	return b
}
