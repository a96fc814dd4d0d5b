package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-coordinator/internal/model"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

var renderedAt = time.Date(2026, 10, 15, 12, 0, 5, 0, time.UTC)

// responseJob builds a RESPONSE delivery for event 42. Every generated
// ticket gets the checksum "sum-<id>".
func responseJob(t *testing.T, corr string, generated []string, errored map[string]string) queue.Job {
	t.Helper()
	msg := queue.ResponseMessage{
		Kind:          queue.KindResponse,
		Source:        queue.SourceRenderer,
		CorrelationID: corr,
		EventID:       42,
	}
	for _, id := range generated {
		msg.Results = append(msg.Results, queue.GeneratedTicket{
			TicketID:    id,
			QRPayload:   "qr-" + id,
			Checksum:    "sum-" + id,
			ArtifactURL: "https://cdn.example.test/" + id + ".pdf",
			GeneratedAt: renderedAt,
		})
	}
	for id, text := range errored {
		msg.Errors = append(msg.Errors, queue.FailedTicket{TicketID: id, ErrorMessage: text, ErroredAt: renderedAt})
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return queue.Job{ID: "r-1", Queue: queue.Response, Payload: body, Attempt: 1, MaxAttempts: 3}
}

func acceptThree(t *testing.T, store *memStore) AcceptResult {
	t.Helper()
	res, err := newTestAccepter(store, &fakePublisher{}).AcceptBulkGeneration(context.Background(), bulk(3))
	require.NoError(t, err)
	return res
}

func TestHandle_AllGenerated(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)

	out := c.Handle(context.Background(), responseJob(t, res.CorrelationID, res.Tickets, nil))
	assert.Equal(t, queue.VerdictAck, out.Verdict)
	for _, id := range res.Tickets {
		tk := store.ticket(id)
		assert.Equal(t, model.StatusGenerated, tk.Status)
		assert.Equal(t, "qr-"+id, *tk.QRPayload)
		assert.Equal(t, "sum-"+id, *tk.Checksum)
		assert.True(t, tk.Consistent())
	}
	assert.NotNil(t, store.batches[res.CorrelationID].RespondedAt)
}

func TestHandle_MixedResults(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)

	out := c.Handle(context.Background(), responseJob(t, res.CorrelationID,
		res.Tickets[:2], map[string]string{res.Tickets[2]: "template missing"}))
	assert.Equal(t, queue.VerdictAck, out.Verdict)

	assert.Equal(t, model.StatusGenerated, store.ticket(res.Tickets[0]).Status)
	assert.Equal(t, model.StatusGenerated, store.ticket(res.Tickets[1]).Status)
	failed := store.ticket(res.Tickets[2])
	assert.Equal(t, model.StatusError, failed.Status)
	assert.Equal(t, "template missing", *failed.ErrorMessage)
	assert.Nil(t, failed.QRPayload)
	assert.True(t, failed.Consistent())
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	job := responseJob(t, res.CorrelationID, res.Tickets[:2], map[string]string{res.Tickets[2]: "boom"})

	require.Equal(t, queue.VerdictAck, c.Handle(context.Background(), job).Verdict)
	before := map[string]model.Ticket{}
	for _, id := range res.Tickets {
		before[id] = store.ticket(id)
	}

	job.Attempt = 2
	assert.Equal(t, queue.VerdictAck, c.Handle(context.Background(), job).Verdict)
	for _, id := range res.Tickets {
		assert.Equal(t, before[id], store.ticket(id))
	}
	assert.True(t, store.validHistory())
}

func TestHandle_GeneratedIsTerminal(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	id := res.Tickets[0]

	require.Equal(t, queue.VerdictAck, c.Handle(context.Background(), responseJob(t, res.CorrelationID, []string{id}, nil)).Verdict)

	// a late error report for the same ticket changes nothing
	out := c.Handle(context.Background(), responseJob(t, res.CorrelationID, nil, map[string]string{id: "late"}))
	assert.Equal(t, queue.VerdictAck, out.Verdict)
	tk := store.ticket(id)
	assert.Equal(t, model.StatusGenerated, tk.Status)
	assert.Nil(t, tk.ErrorMessage)
}

func TestHandle_ChecksumConflictIsSkipped(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	id := res.Tickets[0]

	require.Equal(t, queue.VerdictAck, c.Handle(context.Background(), responseJob(t, res.CorrelationID, []string{id}, nil)).Verdict)

	job := responseJob(t, res.CorrelationID, []string{id, res.Tickets[1]}, nil)
	var msg queue.ResponseMessage
	require.NoError(t, json.Unmarshal(job.Payload, &msg))
	msg.Results[0].Checksum = "different"
	job.Payload, _ = json.Marshal(msg)

	assert.Equal(t, queue.VerdictAck, c.Handle(context.Background(), job).Verdict)
	assert.Equal(t, "sum-"+id, *store.ticket(id).Checksum)
	assert.Equal(t, model.StatusGenerated, store.ticket(res.Tickets[1]).Status)
}

func TestHandle_ErrorRecoversToGenerated(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	id := res.Tickets[0]

	c.Handle(context.Background(), responseJob(t, res.CorrelationID, nil, map[string]string{id: "first try failed"}))
	require.Equal(t, model.StatusError, store.ticket(id).Status)

	c.Handle(context.Background(), responseJob(t, res.CorrelationID, []string{id}, nil))
	tk := store.ticket(id)
	assert.Equal(t, model.StatusGenerated, tk.Status)
	assert.Nil(t, tk.ErrorMessage)
	assert.True(t, tk.Consistent())
}

func TestHandle_EmptyErrorMessage(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)

	c.Handle(context.Background(), responseJob(t, res.CorrelationID, nil, map[string]string{res.Tickets[0]: ""}))
	assert.Equal(t, "unspecified renderer error", *store.ticket(res.Tickets[0]).ErrorMessage)
}

func TestHandle_Poison(t *testing.T) {
	c := NewResponseConsumer(newMemStore(), zerolog.Nop(), nil)
	for name, body := range map[string]string{
		"not json":     `{"kind":`,
		"wrong kind":   `{"kind":"request","correlation_id":"c","event_id":42,"results":[]}`,
		"missing corr": `{"kind":"response","event_id":42,"results":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			out := c.Handle(context.Background(), queue.Job{ID: "p", Payload: []byte(body), Attempt: 1})
			assert.Equal(t, queue.VerdictPoison, out.Verdict)
			assert.ErrorIs(t, out.Err, ErrPoisonResponse)
		})
	}
}

func TestHandle_EmptyResponseIsAcked(t *testing.T) {
	store := newMemStore()
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	out := c.Handle(context.Background(), responseJob(t, "c-empty", nil, nil))
	assert.Equal(t, queue.VerdictAck, out.Verdict)
}

func TestHandle_OnlyUnknownTicketsIsRetried(t *testing.T) {
	store := newMemStore()
	c := NewResponseConsumer(store, zerolog.Nop(), nil)
	out := c.Handle(context.Background(), responseJob(t, "c-x", []string{"ghost-1", "ghost-2"}, nil))
	assert.Equal(t, queue.VerdictRetry, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrUnknownTickets)
	assert.Zero(t, store.count())
}

func TestHandle_UnknownAmongKnownIsAcked(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	c := NewResponseConsumer(store, zerolog.Nop(), nil)

	out := c.Handle(context.Background(), responseJob(t, res.CorrelationID, []string{res.Tickets[0], "ghost"}, nil))
	assert.Equal(t, queue.VerdictAck, out.Verdict)
	assert.Equal(t, model.StatusGenerated, store.ticket(res.Tickets[0]).Status)
	assert.Equal(t, 3, store.count())
}

func TestHandle_StoreFailureIsRetried(t *testing.T) {
	store := newMemStore()
	res := acceptThree(t, store)
	store.applyErr = errors.New("deadlock found")
	c := NewResponseConsumer(store, zerolog.Nop(), nil)

	out := c.Handle(context.Background(), responseJob(t, res.CorrelationID, res.Tickets, nil))
	assert.Equal(t, queue.VerdictRetry, out.Verdict)
	assert.EqualError(t, out.Err, "deadlock found")
	assert.Equal(t, model.StatusPending, store.ticket(res.Tickets[0]).Status)

	store.applyErr = nil
	out = c.Handle(context.Background(), responseJob(t, res.CorrelationID, res.Tickets, nil))
	assert.Equal(t, queue.VerdictAck, out.Verdict)
	assert.Equal(t, model.StatusGenerated, store.ticket(res.Tickets[0]).Status)
}

func TestAccept_ConcurrentCapacity(t *testing.T) {
	store := newMemStore()
	store.remaining[42] = 5
	a := NewAccepter(store, &fakePublisher{}, time.Second, zerolog.Nop(), nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.AcceptBulkGeneration(context.Background(), bulk(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacityExceeded):
				full++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 7, full)
	assert.Equal(t, 5, store.count())
	assert.Zero(t, store.remaining[42])
}
