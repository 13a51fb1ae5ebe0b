// Package demo runs the periodic publishers used by the development
// broker so that a UI has live data on /topic/heatmap, /topic/feed and
// /topic/radio.
package demo

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrNothingScheduled is returned by Run when every interval is disabled.
var ErrNothingScheduled = errors.New("no demo publisher enabled")

// Destinations written by the demo publishers.
const (
	HeatmapTopic = "/topic/heatmap"
	FeedTopic    = "/topic/feed"
	RadioTopic   = "/topic/radio"
)

// Publisher sends a JSON-encodable payload to a destination.
// *service.Service satisfies it.
type Publisher interface {
	Publish(destination string, data any) error
}

// HeatmapUpdate is one zone activity pulse.
type HeatmapUpdate struct {
	ID       int     `json:"id"`
	Activity float64 `json:"activity"`
}

// Post is one feed entry.
type Post struct {
	ID          int64  `json:"id"`
	Author      string `json:"author"`
	Time        string `json:"time"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// RadioUpdate is the now-playing state.
type RadioUpdate struct {
	Track   string `json:"track"`
	Elapsed int64  `json:"elapsed"`
	Total   int64  `json:"total"`
	Status  string `json:"status"`
}

// Intervals controls how often each publisher fires.
type Intervals struct {
	Heatmap time.Duration
	Feed    time.Duration
	Radio   time.Duration
}

// DefaultIntervals matches the production backend's schedule.
func DefaultIntervals() Intervals {
	return Intervals{
		Heatmap: 2 * time.Second,
		Feed:    5 * time.Second,
		Radio:   time.Second,
	}
}

var (
	authors = []string{"Design Studio", "Late Night Crew", "Philosophy Club", "Music Dept", "North Hall"}
	posts   = []string{
		"Who left the lights on in studio 4?",
		"Jazz session starting in 5 mins.",
		"Found a blue scarf near the fountain.",
		"Anyone up for a coffee run?",
		"The moon looks insane right now.",
		"I heard the falafel place is closing early.",
		"Can someone explain the reading for tomorrow?",
		"Lost my ID again. DM me if found.",
		"Studio smells like spray paint and regret.",
		"Is the library open 24h yet?",
	}
	voidPosts = []string{
		"The architecture building is breathing.",
		"I found a door that wasn't here yesterday.",
		"The third floor vending machine knows my name.",
	}
	playlist = []string{
		"Aphex Twin - #3",
		"Nujabes - Aruarian Dance",
		"Brian Eno - An Ending (Ascent)",
		"Burial - Archangel",
		"Tycho - Awake",
	}
)

// TrackDuration is how long each radio track plays.
const TrackDuration = 3 * time.Minute

// Run schedules every publisher and blocks until ctx is done. Schedules
// finer than a second are rounded up to one second.
func Run(ctx context.Context, pub Publisher, iv Intervals, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "demo").Logger()
	radio := newRadio(time.Now)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	every := func(d time.Duration, dest string, next func() any) {
		if d <= 0 {
			return
		}
		c.Schedule(cron.Every(d), cron.FuncJob(func() {
			if err := pub.Publish(dest, next()); err != nil {
				logger.Warn().Err(err).Str("destination", dest).Msg("demo publish failed")
			}
		}))
	}

	every(iv.Heatmap, HeatmapTopic, func() any { return NextHeatmap() })
	every(iv.Feed, FeedTopic, func() any { return NextPost() })
	every(iv.Radio, RadioTopic, func() any { return radio.next() })

	if len(c.Entries()) == 0 {
		return ErrNothingScheduled
	}
	c.Start()
	logger.Info().Int("jobs", len(c.Entries())).Msg("demo publishers running")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// NextHeatmap returns a random zone pulse.
func NextHeatmap() HeatmapUpdate {
	return HeatmapUpdate{ID: rand.IntN(64), Activity: 0.5 + rand.Float64()*0.5}
}

// NextPost returns a random feed entry, half of them anonymous.
func NextPost() Post {
	p := Post{ID: time.Now().UnixMilli(), Time: "Just now", Type: "text"}
	if rand.Float64() < 0.5 {
		p.IsAnonymous = true
		p.Author = "The Void"
		p.Content = voidPosts[rand.IntN(len(voidPosts))]
		return p
	}
	p.Author = authors[rand.IntN(len(authors))]
	p.Content = posts[rand.IntN(len(posts))]
	return p
}

type radio struct {
	now   func() time.Time
	mu    sync.Mutex
	index int
	start time.Time
}

func newRadio(now func() time.Time) *radio {
	return &radio{now: now, start: now()}
}

func (r *radio) next() RadioUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	elapsed := now.Sub(r.start)
	if elapsed > TrackDuration {
		r.index = (r.index + 1) % len(playlist)
		r.start = now
		elapsed = 0
	}
	return RadioUpdate{
		Track:   playlist[r.index],
		Elapsed: elapsed.Milliseconds(),
		Total:   TrackDuration.Milliseconds(),
		Status:  "LIVE",
	}
}
