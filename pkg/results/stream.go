package results

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// pendingSet tracks the ids a stream still owes, in request order.
type pendingSet struct {
	order []string
	want  map[string]struct{}
}

func newPendingSet(ids []string) *pendingSet {
	p := &pendingSet{want: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, dup := p.want[id]; dup || id == "" {
			continue
		}
		p.want[id] = struct{}{}
		p.order = append(p.order, id)
	}
	return p
}

func (p *pendingSet) has(id string) bool {
	_, ok := p.want[id]
	return ok
}

func (p *pendingSet) remove(id string) {
	delete(p.want, id)
}

func (p *pendingSet) len() int {
	return len(p.want)
}

func (p *pendingSet) ids() []string {
	out := make([]string, 0, len(p.want))
	for _, id := range p.order {
		if p.has(id) {
			out = append(out, id)
		}
	}
	return out
}

// ResultsStream yields the result of every requested id as it becomes available.
//
// The stream subscribes to the notification channel first, then reads every
// result that already exists, then waits for notifications. Each notification
// for a pending id triggers a store read. Every PollInterval the remaining ids
// are re-read, covering notifications that were dropped or published before
// the subscription existed.
//
// Each id is yielded at most once and duplicates in ids are ignored. The
// channel is closed once every id has yielded, when timeout elapses (zero
// means no timeout), or when ctx is cancelled. Consumers that stop reading
// early must cancel ctx to release the subscription.
func (s *Store) ResultsStream(ctx context.Context, ids []string, timeout time.Duration) <-chan *tasks.TaskResult {
	out := make(chan *tasks.TaskResult)
	pending := newPendingSet(ids)
	if pending.len() == 0 {
		close(out)
		return out
	}
	go s.stream(ctx, pending, timeout, out)
	return out
}

func (s *Store) stream(ctx context.Context, pending *pendingSet, timeout time.Duration, out chan<- *tasks.TaskResult) {
	defer close(out)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// emit hands results to the consumer; false means the stream must stop.
	emit := func(found []*tasks.TaskResult) bool {
		for _, r := range found {
			if !pending.has(r.TaskID) {
				continue
			}
			select {
			case out <- r:
				pending.remove(r.TaskID)
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	var notes <-chan *redis.Message
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("channel", s.channel).Msg("Result subscription failed, falling back to polling")
	} else {
		notes = pubsub.Channel()
	}

	if found, err := s.fetch(ctx, pending.ids()); err == nil {
		if !emit(found) {
			return
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for pending.len() > 0 {
		select {
		case <-ctx.Done():
			s.log.Debug().Int("pending", pending.len()).Msg("Result stream ended before all results arrived")
			return

		case msg, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			var note Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				s.log.Warn().Err(err).Msg("Ignoring malformed result notification")
				continue
			}
			if !pending.has(note.TaskID) {
				continue
			}
			r, err := s.GetResult(ctx, note.TaskID)
			if err != nil || r == nil {
				continue
			}
			if !emit([]*tasks.TaskResult{r}) {
				return
			}

		case <-ticker.C:
			found, err := s.fetch(ctx, pending.ids())
			if err != nil {
				continue
			}
			if !emit(found) {
				return
			}
		}
	}
}

// WaitForResults collects the stream into a slice. It returns as soon as every
// id has a result, or with whatever arrived when timeout or ctx ends the wait.
func (s *Store) WaitForResults(ctx context.Context, ids []string, timeout time.Duration) []*tasks.TaskResult {
	var collected []*tasks.TaskResult
	for r := range s.ResultsStream(ctx, ids, timeout) {
		collected = append(collected, r)
	}
	return collected
}
