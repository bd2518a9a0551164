package domain

import (
	"slices"
	"time"
)

var AllowAllOrigins = []string{"*"}

// ProtocolDefaults are process-wide, not per tenant.
type ProtocolDefaults struct {
	PingInterval    time.Duration
	ActivityTimeout time.Duration
	MaxMessageSize  int
}

func DefaultProtocol() ProtocolDefaults {
	return ProtocolDefaults{
		PingInterval:    30 * time.Second,
		ActivityTimeout: 30 * time.Second,
		MaxMessageSize:  10000,
	}
}

// ApplicationConfig is the read-only projection the messaging server sees.
type ApplicationConfig struct {
	ID                     string   `json:"app_id" yaml:"app_id"`
	Key                    string   `json:"key" yaml:"key"`
	Secret                 string   `json:"secret" yaml:"secret"`
	Capacity               int      `json:"capacity" yaml:"capacity"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins"`
	PingIntervalSeconds    int      `json:"ping_interval" yaml:"ping_interval"`
	ActivityTimeoutSeconds int      `json:"activity_timeout" yaml:"activity_timeout"`
	MaxMessageSize         int      `json:"max_message_size" yaml:"max_message_size"`
}

// NewApplicationConfig is the only place allowed_origins gets its default.
func NewApplicationConfig(app Application, protocol ProtocolDefaults) ApplicationConfig {
	origins := slices.Clone(app.AllowedOrigins)
	if len(origins) == 0 {
		origins = slices.Clone(AllowAllOrigins)
	}
	return ApplicationConfig{
		ID:                     app.AppID,
		Key:                    app.AppKey,
		Secret:                 app.AppSecret,
		Capacity:               app.MaxConnections,
		AllowedOrigins:         origins,
		PingIntervalSeconds:    int(protocol.PingInterval / time.Second),
		ActivityTimeoutSeconds: int(protocol.ActivityTimeout / time.Second),
		MaxMessageSize:         protocol.MaxMessageSize,
	}
}

func (c ApplicationConfig) AllowsOrigin(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServerEndpoint comes from the process environment, never from a tenant row.
type ServerEndpoint struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Hostname       string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Scheme         string `json:"scheme" yaml:"scheme"`
	MaxRequestSize int    `json:"max_request_size" yaml:"max_request_size"`
}

// ServerConfig is what gets installed for the messaging server to load on its
// next start or reload. It carries no timestamps so identical store state
// renders identical bytes.
type ServerConfig struct {
	Server ServerEndpoint      `json:"server" yaml:"server"`
	Apps   []ApplicationConfig `json:"apps" yaml:"apps"`
}

func (c ServerConfig) AppIDs() []string {
	ids := make([]string, 0, len(c.Apps))
	for _, app := range c.Apps {
		ids = append(ids, app.ID)
	}
	return ids
}
