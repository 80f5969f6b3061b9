package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/metrics"
	"orgstream/pkg/problems"
)

const UserAgent = "orgstream-dispatcher/1.0"

// ErrorNotifier receives events the worker refused or never saw.
type ErrorNotifier interface {
	HandlingError(ctx context.Context, tenantID string, eventID checkpoint.Position, reason string)
}

// Request is the JSON body posted to the worker.
type Request struct {
	OrgID     string `json:"orgId"`
	EventID   int64  `json:"eventId"`
	RecordIDs any    `json:"recordIds"`
	Namespace string `json:"namespace"`
}

// Dispatcher forwards events to the downstream worker, one request per event, no retries.
type Dispatcher struct {
	url        string
	hc         *http.Client
	deliveries checkpoint.DeliveryRecorder
	notifier   ErrorNotifier
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	now        func() time.Time
}

type Option func(*Dispatcher)

func WithHTTPClient(hc *http.Client) Option { return func(d *Dispatcher) { d.hc = hc } }
func WithMetrics(m *metrics.Metrics) Option  { return func(d *Dispatcher) { d.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(d *Dispatcher) { d.now = now } }

func New(url string, timeout time.Duration, deliveries checkpoint.DeliveryRecorder, notifier ErrorNotifier, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		url:        url,
		hc:         &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		deliveries: deliveries,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch posts one event. On a 2xx answer the delivery record is written with status
// Sent; anything else is a Dispatch problem and a handling-error notification.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, eventID checkpoint.Position, recordIDs any, namespace string) error {
	start := d.now()
	err := d.post(ctx, Request{OrgID: tenantID, EventID: int64(eventID), RecordIDs: recordIDs, Namespace: namespace})
	d.metrics.Dispatch(err == nil, d.now().Sub(start))
	if err != nil {
		perr := problems.New(problems.Dispatch, tenantID, "worker.dispatch", err)
		d.log.Errorw("worker dispatch failed", "tenant", tenantID, "event", eventID.String(), "err", err)
		if d.notifier != nil {
			d.notifier.HandlingError(ctx, tenantID, eventID, err.Error())
		}
		return perr
	}
	if d.deliveries != nil {
		rec := checkpoint.Delivery{TenantID: tenantID, EventID: eventID, Status: checkpoint.DeliveryStatusSent, RecordIDs: recordIDs, UpdatedAt: d.now()}
		if err := d.deliveries.RecordDelivery(ctx, rec); err != nil {
			d.metrics.StoreError("record_delivery")
			d.log.Warnw("delivery record failed", "tenant", tenantID, "event", eventID.String(), "err", err)
		}
	}
	d.log.Debugw("worker accepted event", "tenant", tenantID, "event", eventID.String())
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body Request) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
