package events

import (
	"encoding/json"
	"time"

	"log/slog"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/ws"
)

// Service broadcasts publisher and releaser activity to stream subscribers.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// BundlePublished announces a newly published bundle version.
func (s Service) BundlePublished(version, tag string) {
	s.emit(ws.TopicBundles, domain.Event{
		Type:          domain.EventBundlePublished,
		BundleVersion: version,
		Message:       tag,
	})
}

// ReleasePending announces that a release attempt has begun.
func (s Service) ReleasePending(slug, version, releaseID string) {
	s.emit(ws.TopicEnvironment(slug), domain.Event{
		Type:          domain.EventReleasePending,
		Environment:   slug,
		BundleVersion: version,
		ReleaseID:     releaseID,
	})
}

// ReleaseActivated announces that an environment now serves a release.
func (s Service) ReleaseActivated(slug, version, releaseID string) {
	s.emit(ws.TopicEnvironment(slug), domain.Event{
		Type:          domain.EventReleaseActivated,
		Environment:   slug,
		BundleVersion: version,
		ReleaseID:     releaseID,
	})
}

// ReleaseFailed announces a release attempt that never went live.
func (s Service) ReleaseFailed(slug, version, releaseID, cause string) {
	s.emit(ws.TopicEnvironment(slug), domain.Event{
		Type:          domain.EventReleaseFailed,
		Environment:   slug,
		BundleVersion: version,
		ReleaseID:     releaseID,
		Message:       cause,
	})
}

// ReleaseRolledBack announces that a rollback took an environment to a
// previously released bundle.
func (s Service) ReleaseRolledBack(slug, version, releaseID string) {
	s.emit(ws.TopicEnvironment(slug), domain.Event{
		Type:          domain.EventReleaseRolledBack,
		Environment:   slug,
		BundleVersion: version,
		ReleaseID:     releaseID,
	})
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) emit(topic string, event domain.Event) {
	event.At = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	s.hub.Broadcast(topic, payload)
	s.hub.Broadcast(ws.TopicAll, payload)
}
