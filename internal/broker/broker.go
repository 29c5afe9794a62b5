// Package broker wraps a persistent RESP/Redis-compatible connection to the
// coordination service ("the Broker") with the narrow set of operations the
// worker loop needs: authentication, heartbeating, tool registration,
// reliable queue acquisition, and result publication with retry.
//
// Client wraps *redis.Client, whose pooled, concurrency-safe connections
// already provide the "cheaply copyable handle sharing one underlying
// connection" the design calls for — passing the same *Client to both the
// main loop and a spawned execution goroutine shares the pool, it does not
// open a second connection.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
)

const (
	// QueueReady holds job_ids awaiting pickup.
	QueueReady = "queue:ready"
	// QueueProcessing holds job_ids currently owned by some worker.
	QueueProcessing = "queue:processing"

	maxToolsCount = 100
	maxToolLen    = 64

	postResultRetries     = 3
	postResultBaseBackoff = 100 * time.Millisecond
)

// addressDangerousChars mirrors the narrow host-side injection check: a
// shell metacharacter anywhere in the host portion invalidates the address
// outright, before any network call is attempted.
var addressDangerousChars = []string{";", "|", "$", "`", "&"}

// ValidateAddress reports whether addr is a well-formed "host:port" with a
// host free of shell metacharacters and a port parseable as an unsigned
// 16-bit integer.
func ValidateAddress(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	host, port := parts[0], parts[1]

	if host == "" {
		return false
	}
	for _, ch := range addressDangerousChars {
		if strings.Contains(host, ch) {
			return false
		}
	}

	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return false
	}
	return true
}

// Client is a typed wrapper over a go-redis client exposing only the
// operations the worker loop and executor need.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Connect validates addr and establishes a connection. It does not
// authenticate — call Authenticate separately, matching the explicit
// connect/authenticate staging of the startup sequence.
func Connect(ctx context.Context, addr string, connectTimeout time.Duration, logger *zap.Logger) (*Client, error) {
	if !ValidateAddress(addr) {
		return nil, agwerr.New(agwerr.InvalidConfig, "invalid broker address format")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: connectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, agwerr.Wrap(agwerr.Connection, fmt.Sprintf("failed to connect to broker at %s", addr), err)
	}

	logger.Info("connected to broker", zap.String("addr", addr))
	return &Client{rdb: rdb, logger: logger.Named("broker")}, nil
}

// Clone returns a handle sharing the same underlying connection pool — the
// "cheaply copyable" handle the spawned execution goroutine uses for result
// posting while the loop keeps its own copy for heartbeats.
func (c *Client) Clone() *Client {
	return &Client{rdb: c.rdb, logger: c.logger}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Authenticate sends AUTH and requires the literal reply "OK".
func (c *Client) Authenticate(ctx context.Context, sessionKey string) error {
	reply, err := c.rdb.Do(ctx, "AUTH", sessionKey).Text()
	if err != nil {
		return agwerr.Wrap(agwerr.Authentication, "AUTH failed", err)
	}
	if reply != "OK" {
		return agwerr.New(agwerr.Authentication, fmt.Sprintf("unexpected AUTH response: %s", reply))
	}
	c.logger.Info("authenticated with broker")
	return nil
}

// Heartbeat sends "PING worker_id"; any successful reply is acceptable.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	if _, err := c.rdb.Do(ctx, "PING", workerID).Result(); err != nil {
		return agwerr.Wrap(agwerr.Protocol, "PING failed", err)
	}
	return nil
}

// RegisterTools validates the tool list and stores it comma-joined at
// worker:<id>:tools. An empty list is a no-op.
func (c *Client) RegisterTools(ctx context.Context, workerID string, tools []string) error {
	if len(tools) == 0 {
		return nil
	}
	if len(tools) > maxToolsCount {
		return agwerr.New(agwerr.InvalidConfig, fmt.Sprintf("tool list exceeds maximum of %d entries", maxToolsCount))
	}
	for _, tool := range tools {
		if len(tool) > maxToolLen {
			return agwerr.New(agwerr.InvalidConfig, fmt.Sprintf("tool %q exceeds maximum length of %d", tool, maxToolLen))
		}
		if !isAlphanumericDashUnderscore(tool) {
			return agwerr.New(agwerr.InvalidConfig, fmt.Sprintf("tool %q must be alphanumeric, '-' or '_' only", tool))
		}
	}

	key := fmt.Sprintf("worker:%s:tools", workerID)
	value := strings.Join(tools, ",")
	return c.Set(ctx, key, value)
}

func isAlphanumericDashUnderscore(s string) bool {
	for _, ch := range s {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_') {
			return false
		}
	}
	return s != ""
}

// Set requires the reply "OK".
func (c *Client) Set(ctx context.Context, key, value string) error {
	reply, err := c.rdb.Set(ctx, key, value, 0).Result()
	if err != nil {
		return agwerr.Wrap(agwerr.Broker, fmt.Sprintf("SET %s failed", key), err)
	}
	if reply != "OK" {
		return agwerr.New(agwerr.Protocol, fmt.Sprintf("unexpected SET response for %s: %s", key, reply))
	}
	return nil
}

// BRPopLPush atomically moves one value from src's tail to dst's head and
// returns it. A timeout (no value available) is reported by returning ""
// with ok=false and a nil error — not an error condition.
func (c *Client) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (value string, ok bool, err error) {
	val, err := c.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, agwerr.Wrap(agwerr.Broker, fmt.Sprintf("BRPOPLPUSH %s -> %s failed", src, dst), err)
	}
	return val, true, nil
}

// LRem removes the first count occurrences of value from key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := c.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return agwerr.Wrap(agwerr.Broker, fmt.Sprintf("LREM %s failed", key), err)
	}
	return nil
}

// JobGet returns the JSON body of the referenced job.
func (c *Client) JobGet(ctx context.Context, jobID string) (string, error) {
	body, err := c.rdb.Do(ctx, "JOB.GET", jobID).Text()
	if err != nil {
		return "", agwerr.Wrap(agwerr.Broker, fmt.Sprintf("JOB.GET %s failed", jobID), err)
	}
	return body, nil
}

// PlanGet returns the JSON body of the referenced plan.
func (c *Client) PlanGet(ctx context.Context, planID string) (string, error) {
	body, err := c.rdb.Do(ctx, "PLAN.GET", planID).Text()
	if err != nil {
		return "", agwerr.Wrap(agwerr.Broker, fmt.Sprintf("PLAN.GET %s failed", planID), err)
	}
	return body, nil
}

// validStatuses are the only values PostJobResult accepts for status.
var validStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"pending":   true,
	"running":   true,
}

// PostJobResult writes job:<id>:stdout, job:<id>:stderr, job:<id>:status in
// that order, so an observer that sees status also sees the matching
// stdout/stderr from the same attempt (O3). The whole triple is retried up
// to 3 times with exponential backoff (100ms, 200ms, 400ms) on any failure.
func (c *Client) PostJobResult(ctx context.Context, jobID, stdout, stderr, status string) error {
	if jobID == "" || strings.Contains(jobID, ":") {
		return agwerr.New(agwerr.InvalidConfig, "job_id must be non-empty and must not contain ':'")
	}
	if !validStatuses[status] {
		return agwerr.New(agwerr.InvalidConfig, fmt.Sprintf("invalid status %q", status))
	}

	backoff := postResultBaseBackoff
	var lastErr error
	for attempt := 0; attempt <= postResultRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return agwerr.Wrap(agwerr.Broker, "post_job_result cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := c.postJobResultOnce(ctx, jobID, stdout, stderr, status); err != nil {
			lastErr = err
			c.logger.Warn("post_job_result attempt failed",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return nil
	}

	return agwerr.Wrap(agwerr.Broker, fmt.Sprintf("post_job_result exhausted %d retries", postResultRetries), lastErr)
}

func (c *Client) postJobResultOnce(ctx context.Context, jobID, stdout, stderr, status string) error {
	if err := c.Set(ctx, fmt.Sprintf("job:%s:stdout", jobID), stdout); err != nil {
		return err
	}
	if err := c.Set(ctx, fmt.Sprintf("job:%s:stderr", jobID), stderr); err != nil {
		return err
	}
	if err := c.Set(ctx, fmt.Sprintf("job:%s:status", jobID), status); err != nil {
		return err
	}
	return nil
}
