package event

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/metrics"
)

// ErrBatchTooLarge rejects an oversized batch wholesale, before any event in
// it is examined.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// Result is the per-event outcome of an ingest call.
type Result struct {
	ID       string `json:"id,omitempty"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// BatchResult summarizes a batch ingest. Partial failures are normal: the
// batch call succeeds overall while individual results carry error codes.
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Results  []Result `json:"results"`
}

// Ingestor validates and appends governance events: hash verification, org
// scoping, per-org append serialization, checkpoint feeding, and the
// optional rule pipeline. It implements Sink so control-plane components
// record their own events through the same path as external submitters.
type Ingestor struct {
	store        Store
	checkpointer *Checkpointer
	maxBatch     int
	rules        []Rule

	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	orgs map[string]*sync.Mutex
}

// NewIngestor creates an Ingestor over store. checkpointer may be nil when
// Merkle sealing is not wanted (the agent runtime's forwarding store).
func NewIngestor(cfg config.EventsConfig, store Store, checkpointer *Checkpointer, logger *slog.Logger, m *metrics.Metrics) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &Ingestor{
		store:        store,
		checkpointer: checkpointer,
		maxBatch:     maxBatch,
		metrics:      m,
		logger:       logger.With("component", "event.Ingestor"),
		orgs:         make(map[string]*sync.Mutex),
	}
}

// AddRule appends a rule to the ingest pipeline. Rules must be registered
// before ingestion starts; registration is not synchronized.
func (in *Ingestor) AddRule(r Rule) {
	in.rules = append(in.rules, r)
}

// MaxBatch returns the configured batch ceiling.
func (in *Ingestor) MaxBatch() int {
	return in.maxBatch
}

// Ingest validates and appends one event on behalf of the authenticated org.
func (in *Ingestor) Ingest(channel, orgID string, e *Event) Result {
	res := in.ingestOne(orgID, e)

	status := "ok"
	if !res.Accepted {
		status = res.Error
		in.logger.Debug("event rejected", "channel", channel, "org_id", orgID, "code", res.Error, "message", res.Message)
	}
	in.metrics.ObserveIngest(channel, status)
	return res
}

// IngestBatch processes up to MaxBatch events, returning a per-event result
// in submission order. A larger batch is rejected wholesale with
// ErrBatchTooLarge.
func (in *Ingestor) IngestBatch(channel, orgID string, events []*Event) (*BatchResult, error) {
	if len(events) > in.maxBatch {
		return nil, fmt.Errorf("%w: %d events, maximum %d", ErrBatchTooLarge, len(events), in.maxBatch)
	}

	out := &BatchResult{Results: make([]Result, 0, len(events))}
	for _, e := range events {
		res := in.Ingest(channel, orgID, e)
		if res.Accepted {
			out.Accepted++
		} else {
			out.Rejected++
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// Emit implements Sink for control-plane components. Rejections are logged,
// never surfaced: emission must not fail the operation that produced the
// event.
func (in *Ingestor) Emit(e *Event) {
	if e == nil {
		return
	}
	res := in.Ingest("internal", e.OrgID, e)
	if !res.Accepted {
		in.logger.Warn("internal event rejected", "type", e.Type, "code", res.Error, "message", res.Message)
	}
}

func (in *Ingestor) ingestOne(orgID string, e *Event) Result {
	if e == nil {
		return Result{Accepted: false, Error: CodeBadRequest, Message: "event is missing"}
	}
	if e.OrgID != orgID {
		return Result{ID: e.ID, Accepted: false, Error: CodeBadRequest, Message: "event orgId does not match the credential"}
	}
	if err := Validate(e); err != nil {
		code := CodeBadRequest
		if errors.Is(err, ErrBadHash) {
			code = CodeBadHash
		}
		return Result{ID: e.ID, Accepted: false, Error: code, Message: err.Error()}
	}

	lock := in.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	if err := in.store.Store(e); err != nil {
		in.logger.Error("event store failed", "event_id", e.ID, "error", err)
		return Result{ID: e.ID, Accepted: false, Error: CodeInternal, Message: "storage failure"}
	}
	if in.checkpointer != nil {
		in.checkpointer.Observe(e)
	}
	in.applyRules(e)

	return Result{ID: e.ID, Accepted: true}
}

// applyRules runs the ingest pipeline over an accepted event, appending any
// findings as derived events. Derived events skip the pipeline. Callers hold
// the org lock.
func (in *Ingestor) applyRules(e *Event) {
	for _, rule := range in.rules {
		for _, f := range rule.Evaluate(e) {
			derived, err := New(Params{
				Type:        "ingest." + f.Outcome,
				Category:    "integrity",
				Criticality: outcomeCriticality(f.Outcome),
				Source:      "aigos.ingest",
				OrgID:       e.OrgID,
				AssetID:     e.AssetID,
				Data: map[string]any{
					"rule":     rule.Name(),
					"event_id": e.ID,
					"message":  f.Message,
				},
			})
			if err != nil {
				in.logger.Error("derived event build failed", "rule", rule.Name(), "error", err)
				continue
			}
			if err := in.store.Store(derived); err != nil {
				in.logger.Error("derived event store failed", "rule", rule.Name(), "error", err)
				continue
			}
			if in.checkpointer != nil {
				in.checkpointer.Observe(derived)
			}
		}
	}
}

func (in *Ingestor) orgLock(orgID string) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.orgs[orgID]
	if !ok {
		l = &sync.Mutex{}
		in.orgs[orgID] = l
	}
	return l
}
