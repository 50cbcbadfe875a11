package publisher

import (
	"errors"
	"time"
)

// ErrNoConnection is returned when the bridge has no NATS connection.
var ErrNoConnection = errors.New("nats: no connection")

// Config configures the NATS connection and subjects.
type Config struct {
	URL            string
	SubjectPrefix  string
	ClientID       string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  "termsync",
		ClientID:       "termsync",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

// Publisher sends one message. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	AccountID     string    `json:"accountId"`
	InstanceIndex int       `json:"instanceIndex"`
	Host          string    `json:"host,omitempty"`
	Event         string    `json:"event"`
	Data          any       `json:"data,omitempty"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// Stats counts bridge activity.
type Stats struct {
	Published int64
	Failed    int64
}
