package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lukemcguire/siteaudit/model"
)

// ErrNoProgress is returned when Redis holds no progress for a run.
var ErrNoProgress = errors.New("no progress recorded")

const (
	// DefaultKeyPrefix prefixes the per-run progress hash.
	DefaultKeyPrefix = "siteaudit:run:"
	// DefaultChannel is the pub/sub channel updates are published on.
	DefaultChannel = "siteaudit:progress"
	// DefaultTTL keeps a finished run's progress readable for a day.
	DefaultTTL = 24 * time.Hour
)

// RedisConfig configures the Redis reporter.
type RedisConfig struct {
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// Redis stores the latest update of each run in a hash and publishes every
// update as JSON.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis creates a Redis reporter. Zero config fields take their defaults.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Redis{client: client, cfg: cfg}
}

// Key returns the hash key holding runID's progress.
func (r *Redis) Key(runID string) string {
	return r.cfg.KeyPrefix + runID
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string {
	return r.cfg.Channel
}

func (r *Redis) Report(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	key := r.Key(u.RunID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":         string(u.Status),
		"processed":      u.Processed,
		"accepted":       u.Accepted,
		"pending":        u.Pending,
		"max_pages":      u.MaxPages,
		"pages_crawled":  u.PagesCrawled,
		"issues_found":   u.IssuesFound,
		"fetch_errors":   u.FetchErrors,
		"pages_rendered": u.PagesRendered,
		"percent":        strconv.FormatFloat(u.Percent, 'f', 2, 64),
		"url":            u.URL,
		"error":          u.Error,
		"at":             u.At.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, r.cfg.TTL)
	pipe.Publish(ctx, r.cfg.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish progress for run %s: %w", u.RunID, err)
	}
	return nil
}

// Latest reads the most recent update stored for runID.
func (r *Redis) Latest(ctx context.Context, runID string) (Update, error) {
	fields, err := r.client.HGetAll(ctx, r.Key(runID)).Result()
	if err != nil {
		return Update{}, fmt.Errorf("read progress for run %s: %w", runID, err)
	}
	if len(fields) == 0 {
		return Update{}, fmt.Errorf("run %s: %w", runID, ErrNoProgress)
	}

	u := Update{
		RunID:  runID,
		Status: model.RunStatus(fields["status"]),
		URL:    fields["url"],
		Error:  fields["error"],
	}
	var errs []error
	atoi := func(name string, dst *int) {
		if v, ok := fields[name]; ok && v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				errs = append(errs, fmt.Errorf("field %s: %w", name, convErr))
				return
			}
			*dst = n
		}
	}
	atoi("processed", &u.Processed)
	atoi("accepted", &u.Accepted)
	atoi("pending", &u.Pending)
	atoi("max_pages", &u.MaxPages)
	atoi("pages_crawled", &u.PagesCrawled)
	atoi("issues_found", &u.IssuesFound)
	atoi("fetch_errors", &u.FetchErrors)
	atoi("pages_rendered", &u.PagesRendered)
	if v := fields["percent"]; v != "" {
		p, convErr := strconv.ParseFloat(v, 64)
		if convErr != nil {
			errs = append(errs, fmt.Errorf("field percent: %w", convErr))
		}
		u.Percent = p
	}
	if v := fields["at"]; v != "" {
		at, convErr := time.Parse(time.RFC3339Nano, v)
		if convErr != nil {
			errs = append(errs, fmt.Errorf("field at: %w", convErr))
		}
		u.At = at
	}
	if err := errors.Join(errs...); err != nil {
		return Update{}, fmt.Errorf("decode progress for run %s: %w", runID, err)
	}
	return u, nil
}

// Subscribe delivers published updates to fn until ctx ends. Messages that
// do not decode are skipped.
func (r *Redis) Subscribe(ctx context.Context, fn func(Update)) error {
	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.cfg.Channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				continue
			}
			fn(u)
		}
	}
}
