package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/termsync/internal/config"
)

// BuildConnString builds a PostgreSQL URL for the latency journal. The
// application name shows up in pg_stat_activity.
func BuildConnString(cfg config.DBConfig, application string) string {
	q := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	q.Set("sslmode", sslMode)
	if application != "" {
		q.Set("application_name", application)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
