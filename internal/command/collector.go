// ABOUTME: Reads an agent's response after completion, publishes it, and records history.
// ABOUTME: Waits for in-place writes to settle; an unreadable response degrades that agent.

package command

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/history"
	"github.com/2389/smbctl/internal/metrics"
	"github.com/2389/smbctl/internal/share"
)

// ErrResponseUnavailable indicates the output file could not be read.
var ErrResponseUnavailable = errors.New("response unavailable")

// TempSuffix marks a response still being written by a two-phase agent.
const TempSuffix = ".tmp"

const (
	defaultSettleDelay    = 100 * time.Millisecond
	defaultSettleAttempts = 5
)

// Response is a collected command response.
type Response struct {
	Project      string
	Agent        string
	Text         string
	HistoryBytes int
}

// CollectorParams configures a Collector.
type CollectorParams struct {
	Resolver  *share.Resolver
	Registry  Registry
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	NoHistory      bool
	SettleDelay    time.Duration
	SettleAttempts int
}

// Collector turns a completion signal into a response.
type Collector struct {
	resolver  *share.Resolver
	registry  Registry
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	noHistory      bool
	settleDelay    time.Duration
	settleAttempts int
	now            func() time.Time
	sleep          func(time.Duration)
}

// NewCollector creates a Collector.
func NewCollector(p CollectorParams) *Collector {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		resolver:       p.Resolver,
		registry:       p.Registry,
		publisher:      p.Publisher,
		metrics:        p.Metrics,
		logger:         logger.With("component", "collector"),
		noHistory:      p.NoHistory,
		settleDelay:    p.SettleDelay,
		settleAttempts: p.SettleAttempts,
		now:            time.Now,
		sleep:          time.Sleep,
	}
	if c.settleDelay <= 0 {
		c.settleDelay = defaultSettleDelay
	}
	if c.settleAttempts <= 0 {
		c.settleAttempts = defaultSettleAttempts
	}
	return c
}

// Collect reads the response of agent in project, publishes it and appends
// it to the agent's history.
func (c *Collector) Collect(project, agent string) (*Response, error) {
	c.registry.MarkCompleted(project, agent)

	path := c.resolver.Path(project, agent, share.RoleOutput)
	text, err := c.readSettled(path)
	if err != nil {
		c.metrics.ResponseMissing()
		c.publish(events.KindResponseMissing, project, agent, err.Error())
		c.logger.Warn("response unreadable", "project", project, "agent", agent, "error", err)
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrResponseUnavailable, project, agent, err)
	}

	resp := &Response{Project: project, Agent: agent, Text: text}
	c.metrics.CommandCompleted(project)
	c.publish(events.KindCommandCompleted, project, agent, text)

	if !c.noHistory {
		histPath := c.resolver.Path(project, agent, share.RoleHistory)
		n, err := history.Append(histPath, text, c.now())
		if err != nil {
			// History is best effort once the response is published.
			c.logger.Error("history append failed", "path", histPath, "error", err)
		}
		resp.HistoryBytes = n
	}

	c.logger.Debug("response collected", "project", project, "agent", agent, "bytes", len(text))
	return resp, nil
}

func (c *Collector) publish(kind events.Kind, project, agent, text string) {
	if c.publisher != nil {
		c.publisher.Publish(events.New(kind, project, agent, text))
	}
}

// readSettled reads path once its size stops changing between two stats
// taken settleDelay apart. While a two-phase temp file is present the
// rename has not happened yet, so it keeps waiting. After settleAttempts
// the last successful read wins.
func (c *Collector) readSettled(path string) (string, error) {
	var (
		lastErr  error
		lastData []byte
		haveData bool
	)
	for attempt := 0; attempt < c.settleAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(c.settleDelay)
		}

		if _, err := os.Stat(path + TempSuffix); err == nil {
			lastErr = fmt.Errorf("response still being written to %s", path+TempSuffix)
			continue
		}

		before, err := os.Stat(path)
		if err != nil {
			lastErr = err
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		lastData, haveData = data, true

		c.sleep(c.settleDelay)
		after, err := os.Stat(path)
		if err == nil && after.Size() == before.Size() && after.ModTime().Equal(before.ModTime()) && int64(len(data)) == after.Size() {
			return string(data), nil
		}
	}
	if haveData {
		return string(lastData), nil
	}
	return "", lastErr
}
