package config

// PubSubPushEnabled toggles the /pubsub/* push endpoints.
//
// Set via env:
// - ENABLE_PUBSUB_PUSH_ENDPOINT=false
func PubSubPushEnabled() bool {
	return boolFromEnv("ENABLE_PUBSUB_PUSH_ENDPOINT", true)
}

// SkipMigrations disables AutoMigrate on startup for deployments that run schema changes separately.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

// CreatePubSubTopics creates missing topics on first publish. Meant for local emulators.
//
// Set via env:
// - PUBSUB_CREATE_TOPICS=true
func CreatePubSubTopics() bool {
	return boolFromEnv("PUBSUB_CREATE_TOPICS", false)
}
