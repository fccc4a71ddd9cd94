package config

// Default returns a configuration that runs locally against a Redis on the
// default port, with the redis task store and the filesystem blob store.
func Default() Config {
	return Config{
		HTTP:  HTTP{Addr: ":8080"},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Store: Store{
			Driver:     "redis",
			TableName:  "tasks",
			SQLitePath: "lectures.db",
		},
		Blob: Blob{
			Driver:    "fs",
			Region:    "ru-central1",
			Dir:       "data/blobs",
			PublicURL: "http://localhost:8080/blobs",
		},
		Provider: Provider{
			DiskAPIURL: "https://cloud-api.yandex.net",
			STTAPIURL:  "https://stt.api.cloud.yandex.net",
			Language:   "ru-RU",
		},
		Worker: Worker{
			Concurrency:          4,
			VisibilityTTLSeconds: 900,
			MaxRetry:             3,
			PollDeadlineSeconds:  6 * 60 * 60,
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}
