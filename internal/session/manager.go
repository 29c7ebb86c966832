package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chunk-player/internal/history"
	"chunk-player/internal/media"
	"chunk-player/internal/origin"
	"chunk-player/internal/platform/metrics"
	"chunk-player/internal/player"

	"github.com/google/uuid"
)

// Manifest formats understood by the manager.
const (
	ManifestJSON = "json"
	ManifestHLS  = "hls"
)

const (
	defaultClockTick     = 250 * time.Millisecond
	defaultSourceLatency = 5 * time.Millisecond
)

var (
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrVideoNotFound is returned when the origin does not know the video.
	ErrVideoNotFound = errors.New("video not found")
)

// Origin is the manifest, metadata and chunk source used by sessions.
type Origin interface {
	player.Fetcher
	FetchMetadata(ctx context.Context, videoID string) (origin.Video, error)
	FetchManifest(ctx context.Context, videoID string) (player.Manifest, error)
	FetchPlaylistManifest(ctx context.Context, videoID string, quality player.Quality) (player.Manifest, error)
}

// Config tunes every session created by a Manager.
type Config struct {
	Lookahead        int
	RetentionPercent float64
	ManifestFormat   string
	ProgressInterval time.Duration
	ClockTick        time.Duration
	SourceLatency    time.Duration
	Autoplay         bool
}

// Manager owns the live playback sessions. Each session gets its own media
// source, media clock and progress reporter.
type Manager struct {
	origin  Origin
	history history.Store
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	session  *player.Session
	element  *media.Element
	reporter *player.ProgressReporter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager returns a manager creating sessions against o. store may be nil
// to disable progress persistence and resume.
func NewManager(o Origin, store history.Store, cfg Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.ClockTick <= 0 {
		cfg.ClockTick = defaultClockTick
	}
	if cfg.SourceLatency <= 0 {
		cfg.SourceLatency = defaultSourceLatency
	}
	if cfg.ManifestFormat == "" {
		cfg.ManifestFormat = ManifestJSON
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		origin:   o,
		history:  store,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*entry),
	}
}

// Create loads the manifest for videoID, initializes a session at quality
// (the first listed quality when empty) and resumes from saved progress.
func (m *Manager) Create(ctx context.Context, videoID string, quality player.Quality) (*player.Session, error) {
	video, err := m.origin.FetchMetadata(ctx, videoID)
	if err != nil {
		return nil, mapOriginErr(videoID, err)
	}
	manifest, err := m.loadManifest(ctx, videoID, quality)
	if err != nil {
		return nil, mapOriginErr(videoID, err)
	}

	source := media.NewSource(media.WithLatency(m.cfg.SourceLatency))
	element := media.NewElement(source, m.cfg.Autoplay)
	sess, err := player.NewSession(player.SessionOptions{
		ID:               uuid.NewString(),
		Manifest:         manifest,
		Quality:          quality,
		Sink:             source,
		Element:          element,
		Fetcher:          m.origin,
		Lookahead:        m.cfg.Lookahead,
		RetentionPercent: m.cfg.RetentionPercent,
		Logger:           m.log,
		Metrics:          m.metrics,
	})
	if err != nil {
		return nil, err
	}
	element.SetListener(sess)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{session: sess, element: element, cancel: cancel}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		element.Run(runCtx, m.cfg.ClockTick)
	}()

	if err := sess.Initialize(ctx); err != nil {
		m.teardown(context.Background(), e)
		return nil, err
	}
	m.resume(ctx, sess)

	if m.history != nil {
		e.reporter = player.NewProgressReporter(history.Recorder{Store: m.history}, videoID, video.Metadata(),
			sess.State, m.cfg.ProgressInterval, m.log)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reporter.Run(runCtx)
		}()
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = e
	n := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveSessions(n)
	}
	m.log.Info("session created",
		slog.String("session_id", sess.ID()),
		slog.String("video_id", videoID),
		slog.String("quality", string(sess.State().Quality)))
	return sess, nil
}

func (m *Manager) loadManifest(ctx context.Context, videoID string, quality player.Quality) (player.Manifest, error) {
	switch m.cfg.ManifestFormat {
	case ManifestHLS:
		return m.origin.FetchPlaylistManifest(ctx, videoID, quality)
	case ManifestJSON:
		return m.origin.FetchManifest(ctx, videoID)
	default:
		return player.Manifest{}, fmt.Errorf("unknown manifest format %q", m.cfg.ManifestFormat)
	}
}

// resume seeks to the saved position when the history says playback was
// interrupted part way.
func (m *Manager) resume(ctx context.Context, sess *player.Session) {
	if m.history == nil {
		return
	}
	saved, err := m.history.Get(ctx, sess.Manifest().VideoID)
	if err != nil || !saved.Resumable() {
		return
	}
	t := min(saved.CurrentTime, sess.Manifest().TotalDuration)
	if err := sess.HandleSeek(ctx, t); err != nil {
		m.log.Warn("resume failed",
			slog.String("session_id", sess.ID()),
			slog.Float64("time", t),
			slog.String("error", err.Error()))
		return
	}
	m.log.Info("resumed playback", slog.String("session_id", sess.ID()), slog.Float64("time", t))
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*player.Session, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Seek forwards a seek to session id.
func (m *Manager) Seek(ctx context.Context, id string, t float64) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return e.session.HandleSeek(ctx, t)
}

// ChangeQuality forwards a quality switch to session id.
func (m *Manager) ChangeQuality(ctx context.Context, id string, q player.Quality) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return e.session.ChangeQuality(ctx, q)
}

// Toggle toggles playback of session id. The request counts as a user
// gesture, so it also lifts the autoplay restriction.
func (m *Manager) Toggle(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	e.element.Interact()
	return e.session.TogglePlay()
}

// Close stops session id after saving its final progress.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if m.metrics != nil {
		m.metrics.SetActiveSessions(n)
	}
	m.teardown(ctx, e)
	m.log.Info("session closed", slog.String("session_id", id))
	return nil
}

// CloseAll stops every session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range all {
		m.teardown(ctx, e)
	}
	if m.metrics != nil {
		m.metrics.SetActiveSessions(0)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

func (m *Manager) teardown(ctx context.Context, e *entry) {
	e.cancel()
	e.wg.Wait()
	if e.reporter != nil {
		if err := e.reporter.Flush(ctx); err != nil {
			m.log.Warn("final progress save failed",
				slog.String("session_id", e.session.ID()),
				slog.String("error", err.Error()))
		}
	}
	e.session.Close()
}

// mapOriginErr turns an origin 404 into ErrVideoNotFound.
func mapOriginErr(videoID string, err error) error {
	var fe *player.FetchError
	if errors.As(err, &fe) && fe.Status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", videoID, ErrVideoNotFound)
	}
	return err
}
