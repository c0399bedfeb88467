package config

import (
	"os"
	"strings"
)

// ApplyEnv overlays connection settings and secrets from the environment.
// File config carries the tuning dials; endpoints and credentials come
// from the deployment environment and always win.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.Server.CORSAllowOrigins = splitCSV(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		c.Supabase.Key = v
	}
	if v := os.Getenv("SPANNER_DATABASE"); v != "" {
		c.Spanner.Database = v
		c.Spanner.Enabled = true
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
		c.PubSub.Enabled = true
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		c.PubSub.TopicID = v
	}
	if v := os.Getenv("CLOUDTASKS_PROJECT_ID"); v != "" {
		c.CloudTasks.ProjectID = v
		c.CloudTasks.Enabled = true
	}
	if v := os.Getenv("CLOUDTASKS_LOCATION_ID"); v != "" {
		c.CloudTasks.LocationID = v
	}
	if v := os.Getenv("CLOUDTASKS_QUEUE_ID"); v != "" {
		c.CloudTasks.QueueID = v
	}
	if v := os.Getenv("CLOUDTASKS_TARGET_URL"); v != "" {
		c.CloudTasks.TargetURL = v
	}
	if v := os.Getenv("NOTIFY_ENDPOINT"); v != "" {
		c.Notifications.Endpoint = v
	}
	if v := os.Getenv("ADMIN_API_KEY_HASH"); v != "" {
		c.Admin.APIKeyHash = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
