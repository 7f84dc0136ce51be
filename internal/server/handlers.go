package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/filter"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 10_000
	maxBodyBytes     = 32 << 20
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) lookupLog(r *http.Request) (*eventlog.Log, error) {
	return s.kernel.Log(eventlog.SequenceID{
		Store:     r.PathValue("store"),
		Namespace: r.PathValue("namespace"),
		Sequence:  r.PathValue("sequence"),
	})
}

func parseSeq(v string) (eventlog.SequenceNumber, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, badRequest("invalid sequence number %q", v)
	}
	return eventlog.SequenceNumber(n), nil
}

func parseTypes(v string) []eventlog.EventTypeID {
	if v == "" {
		return nil
	}
	var out []eventlog.EventTypeID
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, eventlog.EventTypeID(t))
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

type logInfo struct {
	ID   eventlog.SequenceID     `json:"id"`
	Next eventlog.SequenceNumber `json:"next"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, _ *http.Request) {
	ids := s.kernel.Logs()
	out := make([]logInfo, 0, len(ids))
	for _, id := range ids {
		l, err := s.kernel.Log(id)
		if err != nil {
			continue
		}
		out = append(out, logInfo{ID: id, Next: l.GetNextSequenceNumber()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

type appendRequest struct {
	Source string           `json:"source"`
	Events []eventlog.Event `json:"events"`
}

type appendResponse struct {
	SequenceNumbers []eventlog.SequenceNumber `json:"sequence_numbers"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Source == "" || len(req.Events) == 0 {
		s.writeError(w, r, badRequest("source and at least one event are required"))
		return
	}
	seqs, err := l.AppendMany(r.Context(), eventlog.SourceKey(req.Source), req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{SequenceNumbers: seqs})
}

type readResponse struct {
	Events []eventlog.AppendedEvent `json:"events"`
	// Next is where the following page starts.
	Next eventlog.SequenceNumber `json:"next"`
}

// handleRead serves one page of events.
//
//	?from=0&to=99&types=a,b&source=key&where=<cel>&limit=100
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()

	from := eventlog.First
	if v := q.Get("from"); v != "" {
		if from, err = parseSeq(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	opts := []eventlog.CursorOption{}
	if v := q.Get("to"); v != "" {
		to, err := parseSeq(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts = append(opts, eventlog.WithUpperBound(to))
	}
	limit := defaultReadLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("invalid limit %q", v))
			return
		}
		limit = min(n, maxReadLimit)
	}
	where, err := filter.Compile(q.Get("where"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f := eventlog.Filter{EventTypes: parseTypes(q.Get("types")), Source: eventlog.SourceKey(q.Get("source"))}
	cur, err := l.GetFromSequenceNumber(r.Context(), from, f, append(opts, eventlog.WithBatchSize(limit))...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cur.Close()

	resp := readResponse{Events: []eventlog.AppendedEvent{}}
	full := false
	for !full && cur.Next(r.Context()) {
		for _, ev := range where.Apply(cur.Current()) {
			if len(resp.Events) == limit {
				resp.Next = ev.SequenceNumber
				full = true
				break
			}
			resp.Events = append(resp.Events, ev)
		}
	}
	if err := cur.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !full {
		resp.Next = cur.Position()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seq, err := parseSeq(r.PathValue("seq"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := l.Get(r.Context(), seq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type positionResponse struct {
	SequenceNumber eventlog.SequenceNumber `json:"sequence_number"`
	Available      bool                    `json:"available"`
	Next           eventlog.SequenceNumber `json:"next"`
}

func position(l *eventlog.Log, seq eventlog.SequenceNumber) positionResponse {
	return positionResponse{SequenceNumber: seq, Available: seq.IsAvailable(), Next: l.GetNextSequenceNumber()}
}

// handleTail returns the highest sequence number, optionally for ?types=.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seq, err := l.GetTailSequenceNumber(r.Context(), parseTypes(r.URL.Query().Get("types"))...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, position(l, seq))
}

// handleNext returns the first sequence number >= ?from matching ?types.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from := eventlog.First
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseSeq(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	seq, err := l.GetNextSequenceNumberGreaterOrEqualThan(r.Context(), from, parseTypes(r.URL.Query().Get("types"))...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, position(l, seq))
}

type redactRequest struct {
	SequenceNumber *eventlog.SequenceNumber `json:"sequence_number,omitempty"`
	Source         string                   `json:"source,omitempty"`
	EventTypes     []eventlog.EventTypeID   `json:"event_types,omitempty"`
	Reason         string                   `json:"reason"`
}

// handleRedact redacts one event by sequence number, or every event of a
// source restricted to event_types.
func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupLog(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req redactRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.SequenceNumber != nil && req.Source == "":
		if err := l.Redact(r.Context(), *req.SequenceNumber, req.Reason); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"redacted": 1})
	case req.SequenceNumber == nil && req.Source != "":
		n, err := l.RedactForSource(r.Context(), eventlog.SourceKey(req.Source), req.Reason, req.EventTypes...)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"redacted": n})
	default:
		s.writeError(w, r, badRequest("exactly one of sequence_number and source is required"))
	}
}

func (s *Server) manager(r *http.Request) (*jobs.Manager, error) {
	t, err := s.kernel.Tenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		return nil, err
	}
	return t.Jobs(), nil
}

// handleListJobs lists the tenant's jobs, optionally restricted to
// ?status=running,stopped.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var statuses []jobs.Status
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			statuses = append(statuses, jobs.Status(strings.TrimSpace(st)))
		}
	}
	list, err := m.List(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.JobState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := m.Get(r.Context(), jobs.JobID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobSteps(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := m.Steps(r.Context(), jobs.JobID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*jobs.StepState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := m.Stop(r.Context(), jobs.JobID(r.PathValue("id"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := m.Delete(r.Context(), jobs.JobID(r.PathValue("id"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type observerInfo struct {
	ObserverID                string                  `json:"observer_id"`
	Log                       string                  `json:"log"`
	EventTypes                []eventlog.EventTypeID  `json:"event_types,omitempty"`
	RunningState              string                  `json:"running_state"`
	NextSequenceNumber        eventlog.SequenceNumber `json:"next_sequence_number"`
	LastHandledSequenceNumber eventlog.SequenceNumber `json:"last_handled_sequence_number"`
	Subscribed                bool                    `json:"subscribed"`
	UpdatedAt                 time.Time               `json:"updated_at"`
}

// handleListObservers lists every persisted observer of the tenant,
// including disconnected ones.
func (s *Server) handleListObservers(w http.ResponseWriter, r *http.Request) {
	t, err := s.kernel.Tenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := t.Observers().States(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]observerInfo, 0, len(states))
	for _, st := range states {
		sup, live := t.Observers().Get(st.ObserverID)
		if live {
			st = sup.State()
		}
		out = append(out, observerInfo{
			ObserverID:                st.ObserverID,
			Log:                       st.Log,
			EventTypes:                st.EventTypes,
			RunningState:              string(st.RunningState),
			NextSequenceNumber:        st.NextSequenceNumber,
			LastHandledSequenceNumber: st.LastHandledSequenceNumber,
			Subscribed:                live,
			UpdatedAt:                 st.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"observers": out})
}

func (s *Server) handleFailedPartitions(w http.ResponseWriter, r *http.Request) {
	t, err := s.kernel.Tenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := t.Observers().FailedPartitions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*recovery.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_partitions": records})
}

func (s *Server) handleSkipPartition(w http.ResponseWriter, r *http.Request) {
	t, err := s.kernel.Tenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sup, err := t.Observers().Supervisor(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sup.SkipPartition(r.Context(), eventlog.SourceKey(r.PathValue("partition"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	t, err := s.kernel.Tenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sup, err := t.Observers().Supervisor(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sup.StartCatchUp(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
