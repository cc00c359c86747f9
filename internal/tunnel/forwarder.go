package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultMaxEnvelopeBytes = 20 << 20

	maxDrainBytes = 64 << 10
)

// Validator decides whether a destination may receive envelopes.
type Validator interface {
	Allowed(host, projectID string) error
}

// Counter receives request accounting.
type Counter interface {
	RecordReceived()
	RecordSucceeded()
}

// Request is one inbound tunnel submission.
type Request struct {
	Body       io.Reader
	RemoteAddr string
	Header     http.Header
}

// Result describes what happened to a submission. It is for logs and
// monitoring only and is never returned to the submitting client.
type Result struct {
	ID          string
	ClientIP    string
	Host        string
	ProjectID   string
	UpstreamURL string
	Status      int
	Duration    time.Duration
	Err         error
}

func (r Result) OK() bool { return r.Err == nil }

// Reason is a stable label for the failure class, empty on success.
func (r Result) Reason() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(r.Err, ErrInvalidHost):
		return "invalid_host"
	case errors.Is(r.Err, ErrInvalidProject):
		return "invalid_project"
	case errors.Is(r.Err, ErrUpstream):
		return "upstream_error"
	default:
		return "unknown"
	}
}

type Options struct {
	Validator Validator
	Counter   Counter
	Client    *http.Client
	Logger    *slog.Logger
	// Timeout bounds the upstream call.
	Timeout          time.Duration
	MaxEnvelopeBytes int64
}

// Forwarder validates envelopes and relays them to the collector named in
// their header. It performs at most one upstream request per submission and
// never retries.
type Forwarder struct {
	validator Validator
	counter   Counter
	client    *http.Client
	logger    *slog.Logger
	timeout   time.Duration
	maxBytes  int64
}

func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Validator == nil {
		return nil, errors.New("tunnel: validator is required")
	}
	f := &Forwarder{
		validator: opts.Validator,
		counter:   opts.Counter,
		client:    opts.Client,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxEnvelopeBytes,
	}
	if f.counter == nil {
		f.counter = nopCounter{}
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxEnvelopeBytes
	}
	return f, nil
}

// Forward handles one submission end to end. Failures are logged and reported
// through the Result; they never panic or propagate.
func (f *Forwarder) Forward(ctx context.Context, req Request) Result {
	start := time.Now()
	f.counter.RecordReceived()

	res := Result{
		ID:       uuid.NewString(),
		ClientIP: ClientIP(req.Header, req.RemoteAddr),
	}
	res.Err = f.forward(ctx, req, &res)
	res.Duration = time.Since(start)

	if res.Err != nil {
		f.logger.Warn("tunnel request rejected",
			"id", res.ID,
			"reason", res.Reason(),
			"host", res.Host,
			"project_id", res.ProjectID,
			"client_ip", res.ClientIP,
			"error", res.Err,
		)
		return res
	}
	f.counter.RecordSucceeded()
	f.logger.Debug("forwarded envelope",
		"id", res.ID,
		"url", res.UpstreamURL,
		"status", res.Status,
		"client_ip", res.ClientIP,
		"duration", res.Duration,
	)
	return res
}

func (f *Forwarder) forward(ctx context.Context, req Request, res *Result) error {
	envelope, err := f.readEnvelope(req.Body)
	if err != nil {
		return err
	}
	dsn, err := HeaderDSN(envelope)
	if err != nil {
		return err
	}
	res.Host, res.ProjectID = dsn.Host, dsn.ProjectID
	if err := f.validator.Allowed(dsn.Host, dsn.ProjectID); err != nil {
		return err
	}
	res.UpstreamURL = UpstreamURL(dsn)

	// The upstream call outlives a client that hangs up early.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, res.UpstreamURL, bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	upReq.Header.Set("Content-Type", EnvelopeContentType)
	upReq.Header.Set(HeaderForwardedFor, res.ClientIP)

	f.logger.Debug("forwarding envelope", "id", res.ID, "dsn", dsn.String(), "url", res.UpstreamURL, "client_ip", res.ClientIP)
	resp, err := f.client.Do(upReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	res.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) readEnvelope(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}
	b, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrMalformedEnvelope, err)
	}
	if int64(len(b)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedEnvelope, f.maxBytes)
	}
	return b, nil
}

type nopCounter struct{}

func (nopCounter) RecordReceived()  {}
func (nopCounter) RecordSucceeded() {}
