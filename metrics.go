package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstrumentStore decorates a Store with an operation counter and a latency
// histogram, registered on reg. Query latency covers issuing the query, not
// draining the iterator.
func InstrumentStore(store Store, reg prometheus.Registerer) Store {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "store_ops_total", Help: "Number of store operations by outcome."},
		[]string{"op", "outcome"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "docstore", Name: "store_op_duration_seconds", Help: "Store operation latency."},
		[]string{"op"},
	)
	reg.MustRegister(ops, latency)

	return &instrumentedStore{
		inner:   store,
		ops:     ops,
		latency: latency,
	}
}

type instrumentedStore struct {
	inner   Store
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	s.ops.WithLabelValues(op, outcomeOf(err)).Inc()
	s.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) Get(ctx context.Context, id string) (json.RawMessage, Version, error) {
	start := time.Now()
	body, version, err := s.inner.Get(ctx, id)
	s.observe("get", start, err)
	return body, version, err
}

func (s *instrumentedStore) Insert(ctx context.Context, id string, body json.RawMessage) (Version, error) {
	start := time.Now()
	version, err := s.inner.Insert(ctx, id, body)
	s.observe("insert", start, err)
	return version, err
}

func (s *instrumentedStore) Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error) {
	start := time.Now()
	version, err := s.inner.Replace(ctx, id, body, expected)
	s.observe("replace", start, err)
	return version, err
}

func (s *instrumentedStore) Remove(ctx context.Context, id string, expected Version) error {
	start := time.Now()
	err := s.inner.Remove(ctx, id, expected)
	s.observe("remove", start, err)
	return err
}

func (s *instrumentedStore) QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error) {
	start := time.Now()
	it, err := s.inner.QueryByType(ctx, docType, options...)
	s.observe("query_by_type", start, err)
	return it, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}

	return "error"
}
