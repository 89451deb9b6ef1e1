package killswitch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/metrics"
)

// Cascade defaults, used when configuration leaves them unset.
const (
	DefaultMaxParallelTerminations = 10
	DefaultTerminationTimeout      = 30 * time.Second
)

// CascadeResult summarizes one cascade termination run.
type CascadeResult struct {
	TotalChildren  int      `json:"totalChildren"`
	Terminated     int      `json:"terminated"`
	Failed         int      `json:"failed"`
	DurationMs     int64    `json:"durationMs"`
	FailedChildren []string `json:"failedChildren,omitempty"`
}

// Cascader terminates every descendant of an instance, deepest generation
// first so no child outlives its governor. Children within one generation are
// terminated in parallel batches; a child that fails or times out is recorded
// and the cascade moves on rather than hanging the whole run.
type Cascader struct {
	registry    *Registry
	maxParallel int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewCascader builds a cascader over the given registry. Zero values for
// maxParallel and timeout fall back to the package defaults.
func NewCascader(registry *Registry, maxParallel int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Cascader {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelTerminations
	}
	if timeout <= 0 {
		timeout = DefaultTerminationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascader{
		registry:    registry,
		maxParallel: maxParallel,
		timeout:     timeout,
		logger:      logger.With("component", "killswitch.Cascader"),
		metrics:     m,
	}
}

// Terminate runs the cascade for the given root command. It returns once
// every descendant has been terminated or recorded as failed.
func (c *Cascader) Terminate(ctx context.Context, instanceID string, cmd *Command) CascadeResult {
	start := time.Now()
	descendants := c.registry.Descendants(instanceID)
	result := CascadeResult{TotalChildren: len(descendants)}

	// Descendants arrive deepest-first; a generation must be fully
	// terminated before its parents are touched.
	for i := 0; i < len(descendants); {
		depth := descendants[i].Depth
		j := i
		for j < len(descendants) && descendants[j].Depth == depth {
			j++
		}
		c.terminateGeneration(ctx, descendants[i:j], cmd, &result)
		i = j
	}

	result.DurationMs = time.Since(start).Milliseconds()
	c.metrics.ObserveCascade(time.Since(start))
	c.logger.Info("cascade complete",
		"command_id", cmd.CommandID,
		"total", result.TotalChildren,
		"terminated", result.Terminated,
		"failed", result.Failed,
		"duration_ms", result.DurationMs)
	return result
}

func (c *Cascader) terminateGeneration(ctx context.Context, generation []Child, cmd *Command, result *CascadeResult) {
	var mu sync.Mutex
	for i := 0; i < len(generation); i += c.maxParallel {
		end := i + c.maxParallel
		if end > len(generation) {
			end = len(generation)
		}
		var wg sync.WaitGroup
		for _, child := range generation[i:end] {
			wg.Add(1)
			go func(child Child) {
				defer wg.Done()
				err := c.terminateChild(ctx, child, cmd)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.FailedChildren = append(result.FailedChildren, child.InstanceID)
					c.logger.Warn("child termination failed",
						"instance_id", child.InstanceID,
						"depth", child.Depth,
						"error", err)
					return
				}
				result.Terminated++
			}(child)
		}
		wg.Wait()
	}
}

func (c *Cascader) terminateChild(ctx context.Context, child Child, cmd *Command) error {
	t := c.registry.terminatorFor(child.InstanceID)
	if t == nil {
		// Already deregistered; nothing left to stop.
		return nil
	}
	childCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return t.Terminate(childCtx, cmd.DeriveChild(child.InstanceID))
}
