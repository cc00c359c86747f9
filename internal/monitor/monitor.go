package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// MonitorSlug identifies this service's cron monitor.
const MonitorSlug = "sentry-tunnel"

// MonitorConfig expects a check-in every minute and opens an issue after one
// missed check-in.
var MonitorConfig = &sentry.MonitorConfig{
	Schedule:              sentry.IntervalSchedule(1, sentry.MonitorScheduleUnitMinute),
	CheckInMargin:         5,
	MaxRuntime:            1,
	FailureIssueThreshold: 1,
	RecoveryThreshold:     2,
}

type Options struct {
	DSN         string
	Environment string
	Release     string
	Logger      *slog.Logger
}

// Client reports heartbeats and errors to Sentry. A Client built without a
// DSN is disabled and all of its methods are no-ops.
type Client struct {
	enabled bool
	logger  *slog.Logger
}

func New(opts Options) (*Client, error) {
	c := &Client{logger: opts.Logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if strings.TrimSpace(opts.DSN) == "" {
		c.logger.Info("no sentry dsn configured, monitoring disabled")
		return c, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:           opts.DSN,
		Environment:   opts.Environment,
		Release:       opts.Release,
		EnableTracing: true,
		TracesSampler: sentry.TracesSampler(SampleTraces),
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	c.enabled = true
	c.logger.Info("sentry monitoring enabled",
		"sdk_version", SDKVersion(),
		"environment", opts.Environment,
		"release", opts.Release,
	)
	return c, nil
}

func (c *Client) Enabled() bool { return c != nil && c.enabled }

// Heartbeat sends an OK cron check-in. Delivery is asynchronous.
func (c *Client) Heartbeat(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	id := hub.CaptureCheckIn(&sentry.CheckIn{
		MonitorSlug: MonitorSlug,
		Status:      sentry.CheckInStatusOK,
	}, MonitorConfig)
	if id != nil {
		c.logger.Info("pinged sentry cron", "check_in_id", string(*id))
	}
}

// CaptureError reports err as an event tagged with tags.
func (c *Client) CaptureError(err error, tags map[string]string) {
	if !c.Enabled() || err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
	})
	hub.CaptureException(err)
}

// Middleware returns the Sentry gin integration, or nil when disabled.
func (c *Client) Middleware() gin.HandlerFunc {
	if !c.Enabled() {
		return nil
	}
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

// Flush waits up to timeout for buffered events to be delivered.
func (c *Client) Flush(timeout time.Duration) bool {
	if !c.Enabled() {
		return true
	}
	return sentry.Flush(timeout)
}

func SDKVersion() string { return sentry.SDKVersion }

// SampleTraces inherits the parent's decision and never samples health
// probes.
func SampleTraces(ctx sentry.SamplingContext) float64 {
	if ctx.Parent != nil && ctx.Parent.Sampled != sentry.SampledUndefined {
		if ctx.Parent.Sampled.Bool() {
			return 1
		}
		return 0
	}
	if ctx.Span != nil && isHealthTransaction(ctx.Span.Name) {
		return 0
	}
	return 1
}

func isHealthTransaction(name string) bool {
	name = strings.TrimPrefix(name, http.MethodGet+" ")
	return name == "/health"
}
