package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dork-labs/relay/pkg/breaker"
	"github.com/dork-labs/relay/pkg/budget"
	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/metrics"
	"github.com/dork-labs/relay/pkg/subject"
	"github.com/dork-labs/relay/pkg/types"
)

// Publish routes a payload to every registered endpoint matching the
// subject, enforcing access rules, rate limits, and the message budget
// up front and the per-endpoint capacity gates (circuit breaker,
// backpressure) per target. The publish succeeds as a whole if at least
// one endpoint was written; per-endpoint refusals are reported in
// Rejected.
func (r *Relay) Publish(subj string, payload any, opts types.PublishOptions) (*types.PublishResult, error) {
	timer := prometheus.NewTimer(metrics.PublishDuration)
	defer timer.ObserveDuration()
	metrics.PublishesTotal.Inc()

	if err := subject.Validate(subj); err != nil {
		return nil, err
	}
	if opts.From == "" {
		return nil, fmt.Errorf("publish requires a sender")
	}

	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return nil, fmt.Errorf("relay is stopped")
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := budget.Default(now)
	if opts.Budget != nil {
		b = *opts.Budget
	}

	env := &types.Envelope{
		ID:        r.ids.next(),
		Subject:   subj,
		From:      opts.From,
		ReplyTo:   opts.ReplyTo,
		CreatedAt: now,
		Budget:    b,
		Payload:   raw,
	}

	result := &types.PublishResult{MessageID: env.ID}

	// Access control applies to the whole publish.
	if decision := r.acl.Check(opts.From, subj); !decision.Allowed {
		detail := ""
		if decision.MatchedRule != nil {
			detail = fmt.Sprintf("denied by rule (%s -> %s)", decision.MatchedRule.From, decision.MatchedRule.To)
		}
		return r.rejectWhole(env, result, types.ReasonAccessDenied, detail), nil
	}

	// Rate limiting is per sender; the rejected message consumes no slot.
	if !r.limiter.Allow(opts.From) {
		metrics.RejectionsTotal.WithLabelValues(string(types.ReasonRateLimited)).Inc()
		result.Rejected = append(result.Rejected, types.Rejection{Reason: types.ReasonRateLimited})
		return result, nil
	}

	// Budget advances once per publish hop.
	advanced, reason := r.budgets.Advance(env.Budget, opts.From)
	if reason != "" {
		return r.rejectWhole(env, result, reason, fmt.Sprintf("%s for sender %s", reason, opts.From)), nil
	}
	env.Budget = advanced

	targets := r.expand(subj)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ep := range targets {
		wg.Add(1)
		go func(ep types.Endpoint) {
			defer wg.Done()
			rej, pressure := r.deliverTo(ep, env)
			mu.Lock()
			defer mu.Unlock()
			if rej != nil {
				result.Rejected = append(result.Rejected, *rej)
				return
			}
			result.DeliveredTo++
			if pressure > 0 {
				if result.MailboxPressure == nil {
					result.MailboxPressure = make(map[string]float64)
				}
				result.MailboxPressure[ep.Hash] = pressure
			}
		}(ep)
	}
	wg.Wait()

	if res := r.adapters.Dispatch(subj, env, opts.AdapterContext); res != nil {
		result.AdapterResult = res
	}

	if r.cfg.TraceSink != nil {
		status := "delivered"
		if result.DeliveredTo == 0 {
			status = "rejected"
		}
		span := TraceSpan{
			MessageID: env.ID,
			Subject:   subj,
			Status:    status,
			Metadata:  map[string]any{"deliveredTo": result.DeliveredTo, "rejected": len(result.Rejected)},
		}
		if err := r.cfg.TraceSink.InsertSpan(span); err != nil {
			r.logger.Warn().Err(err).Msg("trace sink failed")
		}
	}

	return result, nil
}

// expand returns every registered endpoint whose subject covers subj.
func (r *Relay) expand(subj string) []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Endpoint
	for _, ep := range r.endpoints {
		if subject.Match(ep.Subject, subj) {
			out = append(out, ep)
		}
	}
	return out
}

// deliverTo runs the per-endpoint gates and writes the envelope into the
// endpoint's mailbox. Returns either a rejection or the mailbox pressure
// ratio after the write when it reaches PressureWarningAt (0 below it).
func (r *Relay) deliverTo(ep types.Endpoint, env *types.Envelope) (*types.Rejection, float64) {
	admitted := r.breaker.Check(ep.Hash)
	metrics.CircuitState.WithLabelValues(ep.Hash).Set(circuitGauge(r.breaker.State(ep.Hash)))
	if !admitted {
		metrics.RejectionsTotal.WithLabelValues(string(types.ReasonCircuitOpen)).Inc()
		return &types.Rejection{EndpointHash: ep.Hash, Reason: types.ReasonCircuitOpen}, 0
	}

	depth, err := r.idx.CountNewByEndpoint(ep.Hash)
	if err != nil {
		r.logger.Warn().Err(err).Str("endpoint_hash", ep.Hash).Msg("backpressure count failed")
		depth = 0
	}
	metrics.MailboxDepth.WithLabelValues(ep.Hash).Set(float64(depth))

	if depth >= r.cfg.MaxMailboxSize {
		metrics.RejectionsTotal.WithLabelValues(string(types.ReasonBackpressure)).Inc()
		r.signals.emit(SignalBackpressurePrefix+"."+ep.Hash, map[string]any{
			"endpointHash": ep.Hash,
			"depth":        depth,
			"max":          r.cfg.MaxMailboxSize,
		})
		return &types.Rejection{EndpointHash: ep.Hash, Reason: types.ReasonBackpressure}, 0
	}

	if err := r.store.Write(ep.Hash, env); err != nil {
		r.logger.Error().Err(err).Str("endpoint_hash", ep.Hash).Str("message_id", env.ID).Msg("mailbox write failed")
		metrics.RejectionsTotal.WithLabelValues(string(types.ReasonWriteFailed)).Inc()
		return &types.Rejection{EndpointHash: ep.Hash, Reason: types.ReasonWriteFailed, Detail: err.Error()}, 0
	}

	row := types.MessageRow{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: ep.Hash,
		Sender:       env.From,
		Status:       types.StatusPending,
		CreatedAt:    env.CreatedAt,
	}
	if env.Budget.TTL > 0 {
		exp := time.UnixMilli(env.Budget.TTL).UTC()
		row.ExpiresAt = &exp
	}
	if err := r.idx.Insert(row); err != nil {
		// The file is durable; the index is derived and rebuildable.
		r.logger.Warn().Err(err).Str("message_id", env.ID).Msg("index insert failed")
	}

	ratio := float64(depth+1) / float64(r.cfg.MaxMailboxSize)
	if ratio >= r.cfg.PressureWarningAt {
		r.signals.emit(SignalBackpressurePrefix+"."+ep.Hash, map[string]any{
			"endpointHash": ep.Hash,
			"depth":        depth + 1,
			"max":          r.cfg.MaxMailboxSize,
			"ratio":        ratio,
		})
		return nil, ratio
	}
	return nil, 0
}

// rejectWhole dead-letters a publish-wide policy violation under the
// target subject's mailbox and records the rejection.
func (r *Relay) rejectWhole(env *types.Envelope, result *types.PublishResult, reason types.RejectReason, detail string) *types.PublishResult {
	metrics.RejectionsTotal.WithLabelValues(string(reason)).Inc()
	metrics.DeadLettersTotal.Inc()

	hash := maildir.HashSubject(env.Subject)
	if err := r.queue.Reject(hash, env, string(reason)+": "+detail); err != nil {
		r.logger.Error().Err(err).Str("message_id", env.ID).Msg("failed to dead-letter rejected publish")
	}

	result.Rejected = append(result.Rejected, types.Rejection{Reason: reason, Detail: detail})
	return result
}

func circuitGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload bytes are not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %w", err)
		}
		return raw, nil
	}
}
