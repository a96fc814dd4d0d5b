package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/model"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/repository"
)

// memStore is an in-memory ticket state store following the same
// status gates as the SQL repository.
type memStore struct {
	mu        sync.Mutex
	remaining map[uint64]int
	types     map[uint64]model.TicketTypeInfo
	tickets   map[string]*model.Ticket
	batches   map[string]*model.GenerationBatch
	now       time.Time

	createErr error
	markErr   error
	applyErr  error
	history   map[string][]model.TicketStatus
}

func newMemStore() *memStore {
	return &memStore{
		remaining: map[uint64]int{42: 100},
		types:     map[uint64]model.TicketTypeInfo{7: {ID: 7, EventID: 42, Kind: model.TypeStandard}},
		tickets:   make(map[string]*model.Ticket),
		batches:   make(map[string]*model.GenerationBatch),
		now:       time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		history:   make(map[string][]model.TicketStatus),
	}
}

func (s *memStore) tick() time.Time {
	s.now = s.now.Add(time.Millisecond)
	return s.now
}

func (s *memStore) setStatus(t *model.Ticket, next model.TicketStatus) {
	t.Status = next
	t.UpdatedAt = s.tick()
	s.history[t.ID] = append(s.history[t.ID], next)
}

func (s *memStore) CreateBatch(_ context.Context, nb repository.NewBatch) (model.GenerationBatch, []model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return model.GenerationBatch{}, nil, s.createErr
	}
	tt, ok := s.types[nb.TicketTypeID]
	if !ok || tt.EventID != nb.EventID {
		return model.GenerationBatch{}, nil, repository.ErrTicketTypeNotFound
	}
	rem, ok := s.remaining[nb.EventID]
	if !ok {
		return model.GenerationBatch{}, nil, repository.ErrEventNotFound
	}
	if rem < len(nb.TicketIDs) {
		return model.GenerationBatch{}, nil, repository.ErrCapacityExceeded
	}
	s.remaining[nb.EventID] = rem - len(nb.TicketIDs)

	now := s.tick()
	corr := nb.CorrelationID
	out := make([]model.Ticket, len(nb.TicketIDs))
	for i, id := range nb.TicketIDs {
		t := model.Ticket{
			ID: id, EventID: nb.EventID, TicketTypeID: tt.ID, UserID: nb.RequesterID, Type: tt.Kind,
			Attendee: nb.Attendees[i], Status: model.StatusPending, CorrelationID: &corr,
			CreatedAt: now, UpdatedAt: now,
		}
		s.tickets[id] = &t
		s.history[id] = []model.TicketStatus{model.StatusPending}
		out[i] = t
	}
	b := model.GenerationBatch{
		CorrelationID: corr, EventID: nb.EventID, RequesterID: nb.RequesterID, TicketIDs: nb.TicketIDs,
		Priority: nb.Priority, DelayMs: nb.DelayMs, Attempts: 1, EnqueuedAt: now,
	}
	s.batches[corr] = &b
	return b, out, nil
}

func (s *memStore) MarkQueueError(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return 0, s.markErr
	}
	var n int64
	for _, id := range ids {
		if t, ok := s.tickets[id]; ok && t.Status.CanTransition(model.StatusQueueError) {
			s.setStatus(t, model.StatusQueueError)
			n++
		}
	}
	return n, nil
}

func (s *memStore) RependBatch(_ context.Context, corr string, includeErrored bool) (model.GenerationBatch, []model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[corr]
	if !ok {
		return model.GenerationBatch{}, nil, repository.ErrNotFound
	}
	var out []model.Ticket
	for _, id := range b.TicketIDs {
		t := s.tickets[id]
		switch {
		case t.Status == model.StatusQueueError:
			s.setStatus(t, model.StatusPending)
			out = append(out, *t)
		case includeErrored && t.Status == model.StatusError:
			out = append(out, *t)
		}
	}
	if len(out) == 0 {
		return *b, nil, nil
	}
	b.Attempts++
	b.EnqueuedAt = s.tick()
	b.RespondedAt = nil
	return *b, out, nil
}

func (s *memStore) ApplyResponse(_ context.Context, u repository.ResponseUpdate) (repository.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return repository.ApplyResult{}, s.applyErr
	}
	var res repository.ApplyResult
	for _, su := range u.Successes {
		t, ok := s.tickets[su.TicketID]
		switch {
		case !ok || t.EventID != su.EventID:
			res.Unknown = append(res.Unknown, su.TicketID)
		case t.Status.CanTransition(model.StatusGenerated):
			qr, chk, url := su.QRPayload, su.Checksum, su.ArtifactURL
			t.QRPayload, t.Checksum, t.ArtifactURL, t.ErrorMessage = &qr, &chk, &url, nil
			s.setStatus(t, model.StatusGenerated)
			res.Generated = append(res.Generated, t.ID)
		case t.Status == model.StatusGenerated && (t.Checksum == nil || *t.Checksum != su.Checksum):
			res.Conflicts = append(res.Conflicts, t.ID)
		default:
			res.Unchanged = append(res.Unchanged, t.ID)
		}
	}
	for _, eu := range u.Errors {
		t, ok := s.tickets[eu.TicketID]
		switch {
		case !ok || t.EventID != eu.EventID:
			res.Unknown = append(res.Unknown, eu.TicketID)
		case t.Status.CanTransition(model.StatusError):
			msg := eu.Message
			t.ErrorMessage = &msg
			s.setStatus(t, model.StatusError)
			res.Errored = append(res.Errored, t.ID)
		default:
			res.Unchanged = append(res.Unchanged, t.ID)
		}
	}
	if res.Applied() > 0 {
		if b, ok := s.batches[u.CorrelationID]; ok && b.RespondedAt == nil {
			at := s.now
			b.RespondedAt = &at
		}
	}
	return res, nil
}

func (s *memStore) ticket(id string) model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tickets[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *memStore) byCorrelation(corr string) []model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Ticket
	for _, t := range s.tickets {
		if t.CorrelationID != nil && *t.CorrelationID == corr {
			out = append(out, *t)
		}
	}
	return out
}

// validHistory reports whether every recorded status change followed the
// state machine.
func (s *memStore) validHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		for i := 1; i < len(h); i++ {
			if !h[i-1].CanTransition(h[i]) {
				return false
			}
		}
	}
	return true
}

type published struct {
	payload []byte
	opts    queue.PublishOptions
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte, opts queue.PublishOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("publish without deadline")
	}
	p.sent = append(p.sent, published{payload: payload, opts: opts})
	return "job-1", nil
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}
