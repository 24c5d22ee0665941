// Package alert turns a negative post into email alerts for the monitoring
// tasks it matched.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"insightwatch/api/internal/email"
	"insightwatch/api/internal/queue"
	"insightwatch/api/internal/store"
)

var (
	ErrInvalidRequest = errors.New("dispatch request missing origin_id or sentiment")
	ErrPostNotFound   = errors.New("post not found")
)

type PostReader interface {
	GetPost(ctx context.Context, originID string) (store.Post, error)
}

type TaskLister interface {
	ListTasksByExternalIDs(ctx context.Context, externalIDs []string) ([]store.MonitoringTask, error)
}

type Options struct {
	Location          *time.Location
	Now               func() time.Time
	SkipDisabledTasks bool
	// SendRate is emails per second across all recipients; zero means unlimited.
	SendRate        float64
	SendConcurrency int
	Guard           SendGuard
	Logger          zerolog.Logger
}

type Dispatcher struct {
	posts        PostReader
	tasks        TaskLister
	sender       email.Sender
	guard        SendGuard
	limiter      *rate.Limiter
	concurrency  int
	loc          *time.Location
	now          func() time.Time
	skipDisabled bool
	log          zerolog.Logger
}

func NewDispatcher(posts PostReader, tasks TaskLister, sender email.Sender, opts Options) *Dispatcher {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.SendRate > 0 {
		burst := int(opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	concurrency := opts.SendConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		posts:        posts,
		tasks:        tasks,
		sender:       sender,
		guard:        opts.Guard,
		limiter:      limiter,
		concurrency:  concurrency,
		loc:          loc,
		now:          now,
		skipDisabled: opts.SkipDisabledTasks,
		log:          opts.Logger,
	}
}

// Handle runs one dispatch request. Errors are returned only for failures the
// job should retry; per-recipient send failures are logged and skipped.
func (d *Dispatcher) Handle(ctx context.Context, req queue.Request) error {
	if strings.TrimSpace(req.OriginID) == "" || req.Sentiment == nil {
		return fmt.Errorf("%w: %+v", ErrInvalidRequest, req)
	}
	log := d.log.With().Str("origin_id", req.OriginID).Int("sentiment", *req.Sentiment).Logger()

	post, err := d.posts.GetPost(ctx, req.OriginID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: origin_id=%s", ErrPostNotFound, req.OriginID)
	}
	if err != nil {
		return fmt.Errorf("load post %s: %w", req.OriginID, err)
	}

	if post.Sentiment != store.SentimentNegative {
		log.Info().Str("post_sentiment", post.Sentiment.String()).Msg("post is not negative, nothing to send")
		return nil
	}
	if len(post.MatchedTaskIDs) == 0 {
		log.Info().Msg("post matched no monitoring tasks")
		return nil
	}

	tasks, err := d.tasks.ListTasksByExternalIDs(ctx, post.MatchedTaskIDs)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", req.OriginID, err)
	}
	log.Info().Int("tasks", len(tasks)).Strs("matched_task_ids", post.MatchedTaskIDs).Msg("resolved monitoring tasks")

	now := d.now().In(d.loc)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.dispatchTask(ctx, log, post, task, now)
	}
	return ctx.Err()
}

func (d *Dispatcher) dispatchTask(ctx context.Context, log zerolog.Logger, post store.Post, task store.MonitoringTask, now time.Time) {
	log = log.With().Int64("task_id", task.TaskID).Str("task_name", task.TaskName).Str("warn_name", task.WarnName).Logger()

	recipients := cleanRecipients(task.EmailRecipients)
	if !task.EmailEnabled || len(recipients) == 0 {
		log.Warn().Bool("email_enabled", task.EmailEnabled).Int("recipients", len(recipients)).Msg("email channel off, skipping task")
		return
	}
	if task.Status == store.TaskDisabled {
		if d.skipDisabled {
			log.Info().Msg("task disabled, skipping")
			return
		}
		log.Warn().Msg("dispatching alert for a disabled task")
	}
	if !InWindow(task, now) {
		log.Info().Str("window_start", fmtWindow(task.WindowStart)).Str("window_end", fmtWindow(task.WindowEnd)).
			Time("now", now).Msg("outside alert window, skipping task")
		return
	}

	occurred := now
	if post.PublishTime != nil {
		occurred = post.PublishTime.In(d.loc)
	}
	msg := email.Alert{
		TaskName:   task.TaskName,
		WarnName:   task.WarnName,
		OriginID:   post.OriginID,
		Title:      post.TitleOrEmpty(),
		URL:        post.URL,
		OccurredAt: occurred,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, to := range recipients {
		g.Go(func() error {
			d.sendOne(gctx, log, post, task, to, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, log zerolog.Logger, post store.Post, task store.MonitoringTask, to string, msg email.Alert) {
	log = log.With().Str("recipient", to).Logger()
	key := GuardKey(post.OriginID, task.TaskID, to, int(post.Sentiment))

	if d.guard != nil {
		seen, err := d.guard.Seen(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("send guard unavailable, sending anyway")
		} else if seen {
			log.Info().Msg("alert already sent, skipping")
			return
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		log.Error().Err(err).Msg("alert email not sent")
		return
	}
	if err := d.sender.SendAlert(ctx, to, msg); err != nil {
		log.Error().Err(err).Msg("alert email failed")
		return
	}
	log.Info().Msg("alert email sent")

	if d.guard != nil {
		if err := d.guard.Record(ctx, key); err != nil {
			log.Warn().Err(err).Msg("could not record sent alert")
		}
	}
}

// InWindow reports whether now falls inside the task's daily window, both
// ends inclusive. A task without both bounds, or whose start is after its
// end, is never in window.
func InWindow(task store.MonitoringTask, now time.Time) bool {
	if task.WindowStart == nil || task.WindowEnd == nil {
		return false
	}
	start := task.WindowStart.On(now)
	end := task.WindowEnd.On(now)
	return !now.Before(start) && !now.After(end)
}

func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func fmtWindow(t *store.TimeOfDay) string {
	if t == nil {
		return ""
	}
	return t.String()
}
