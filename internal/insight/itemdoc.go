// Package insight maps the upstream item_doc envelope onto store.Post.
package insight

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"insightwatch/api/internal/store"
)

var ErrMissingOriginID = errors.New("missing origin_id in item_doc")

// millisThreshold is the largest ten-digit epoch; anything above is milliseconds.
const millisThreshold = 9999999999

// maxEpochSeconds is 9999-12-31T23:59:59Z; later instants are treated as unparseable.
const maxEpochSeconds = 253402300799

// ParseItemDoc maps one decoded item_doc onto a Post. Numbers are expected as
// json.Number (decoder UseNumber) or float64. Optional strings default to "",
// maps to nil, status to 1 and post_type to 0. ProcessState is always PENDING.
func ParseItemDoc(doc map[string]any, loc *time.Location) (store.Post, error) {
	originID := scalarString(doc["origin_id"])
	if originID == "" {
		return store.Post{}, ErrMissingOriginID
	}

	post := store.Post{
		OriginID:     originID,
		PostID:       scalarString(doc["post_id"]),
		PublishTime:  ParseTimestamp(doc["publish_time"], loc),
		ReadyTime:    ParseTimestamp(doc["push_ready_time"], loc),
		MainDomain:   scalarString(doc["main_domain"]),
		Domain:       scalarString(doc["domain"]),
		URL:          scalarString(doc["url"]),
		Status:       1,
		PostType:     0,
		ProcessState: store.ProcessPending,
	}
	if title, ok := doc["title"]; ok && title != nil {
		s := scalarString(title)
		post.Title = &s
	}

	var err error
	if post.Feature, err = objectField(doc, "feature"); err != nil {
		return store.Post{}, err
	}
	if post.POI, err = objectField(doc, "poi"); err != nil {
		return store.Post{}, err
	}
	if post.VideoInfo, err = objectField(doc, "video_info"); err != nil {
		return store.Post{}, err
	}
	if post.BasedLocation, err = objectField(doc, "based_location"); err != nil {
		return store.Post{}, err
	}

	if raw, ok := post.Feature["sentiment"]; ok && raw != nil {
		n, err := intValue(raw)
		if err != nil {
			return store.Post{}, fmt.Errorf("feature.sentiment: %w", err)
		}
		post.Sentiment = store.Sentiment(n)
	}
	if raw, ok := doc["status"]; ok && raw != nil {
		if post.Status, err = intValue(raw); err != nil {
			return store.Post{}, fmt.Errorf("status: %w", err)
		}
	}
	if raw, ok := doc["post_type"]; ok && raw != nil {
		if post.PostType, err = intValue(raw); err != nil {
			return store.Post{}, fmt.Errorf("post_type: %w", err)
		}
	}
	if post.MatchedTaskIDs, err = taskIDs(doc["matched_task_ids"]); err != nil {
		return store.Post{}, err
	}
	return post, nil
}

// ParseTimestamp accepts epoch seconds or milliseconds (number or numeric
// string) and free-form date strings. Anything empty, zero or unparseable
// yields nil.
func ParseTimestamp(v any, loc *time.Location) *time.Time {
	if loc == nil {
		loc = time.Local
	}
	switch val := v.(type) {
	case nil:
		return nil
	case json.Number:
		return fromEpochString(val.String())
	case float64:
		return fromEpoch(val)
	case int64:
		return fromEpoch(float64(val))
	case int:
		return fromEpoch(float64(val))
	case string:
		s := strings.TrimSpace(val)
		if s == "" || s == "0" {
			return nil
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpochString(s)
		}
		t, err := dateparse.ParseIn(s, loc)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	default:
		return nil
	}
}

func fromEpochString(s string) *time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpochInt(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return fromEpoch(f)
}

func fromEpoch(f float64) *time.Time {
	if math.IsNaN(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return nil
	}
	return fromEpochInt(int64(f))
}

func fromEpochInt(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	if n > millisThreshold {
		n /= 1000
	}
	if n < 0 || n > maxEpochSeconds {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}

// scalarString renders strings and numbers; other types are ignored.
func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func objectField(doc map[string]any, name string) (map[string]any, error) {
	raw, ok := doc[name]
	if !ok || raw == nil {
		return nil, nil
	}
	switch val := raw.(type) {
	case map[string]any:
		return val, nil
	case []any:
		// PHP-style producers send [] for an empty object.
		if len(val) == 0 {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%s: expected object, got %T", name, raw)
}

func intValue(v any) (int, error) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			f, ferr := val.Float64()
			if ferr != nil {
				return 0, fmt.Errorf("not a number: %q", val.String())
			}
			n = int64(f)
		}
		return int(n), nil
	case float64:
		return int(val), nil
	case int:
		return val, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", val)
		}
		return n, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func taskIDs(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return []string{}, nil
	case []any:
		ids := make([]string, 0, len(val))
		for _, item := range val {
			id := scalarString(item)
			if id == "" {
				continue
			}
			ids = append(ids, id)
		}
		return ids, nil
	case string:
		// Older producers joined ids with commas.
		ids := []string{}
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
		return ids, nil
	default:
		if id := scalarString(val); id != "" {
			return []string{id}, nil
		}
		return nil, fmt.Errorf("matched_task_ids: unexpected type %T", v)
	}
}
