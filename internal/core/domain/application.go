package domain

import (
	"slices"
	"time"
)

const (
	DefaultMaxConnections = 1000

	AppIDPrefix     = "app-"
	AppKeyPrefix    = "key-"
	AppSecretPrefix = "secret-"
)

// Application is one tenant of the messaging server. AppID and AppKey never
// change after the first commit; AppSecret can only be replaced by rotation.
type Application struct {
	InternalID     int64     `json:"id"`
	AppID          string    `json:"app_id" validate:"required,max=255"`
	AppKey         string    `json:"app_key" validate:"required,max=255"`
	AppSecret      string    `json:"app_secret" validate:"required,max=255"`
	Name           string    `json:"name" validate:"required,max=255"`
	Description    string    `json:"description,omitempty"`
	IsActive       bool      `json:"is_active"`
	MaxConnections int       `json:"max_connections" validate:"min=1"`
	AllowedOrigins []string  `json:"allowed_origins" validate:"dive,required,max=255"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewApplicationInput is what an administrator submits on create. Credential
// fields may be left empty and are generated before insert.
type NewApplicationInput struct {
	AppID          string
	AppKey         string
	AppSecret      string
	Name           string
	Description    string
	IsActive       *bool
	MaxConnections *int
	AllowedOrigins []string
}

// Build applies create-time defaults.
func (in NewApplicationInput) Build() Application {
	app := Application{
		AppID:          in.AppID,
		AppKey:         in.AppKey,
		AppSecret:      in.AppSecret,
		Name:           in.Name,
		Description:    in.Description,
		IsActive:       true,
		MaxConnections: DefaultMaxConnections,
		AllowedOrigins: slices.Clone(in.AllowedOrigins),
	}
	if in.IsActive != nil {
		app.IsActive = *in.IsActive
	}
	if in.MaxConnections != nil {
		app.MaxConnections = *in.MaxConnections
	}
	if app.AllowedOrigins == nil {
		app.AllowedOrigins = []string{}
	}
	return app
}

// ApplicationPatch holds an administrative edit. Nil fields are left alone.
// AppID and AppKey cannot be patched.
type ApplicationPatch struct {
	Name           *string
	Description    *string
	IsActive       *bool
	MaxConnections *int
	AllowedOrigins *[]string
}

// Apply mutates app and reports whether anything changed.
func (p ApplicationPatch) Apply(app *Application) bool {
	changed := false
	if p.Name != nil && *p.Name != app.Name {
		app.Name = *p.Name
		changed = true
	}
	if p.Description != nil && *p.Description != app.Description {
		app.Description = *p.Description
		changed = true
	}
	if p.IsActive != nil && *p.IsActive != app.IsActive {
		app.IsActive = *p.IsActive
		changed = true
	}
	if p.MaxConnections != nil && *p.MaxConnections != app.MaxConnections {
		app.MaxConnections = *p.MaxConnections
		changed = true
	}
	if p.AllowedOrigins != nil {
		origins := slices.Clone(*p.AllowedOrigins)
		if origins == nil {
			origins = []string{}
		}
		if !slices.Equal(origins, app.AllowedOrigins) {
			app.AllowedOrigins = origins
			changed = true
		}
	}
	return changed
}

type GeneratedFields struct {
	AppID     bool
	AppKey    bool
	AppSecret bool
}

func (g GeneratedFields) Has(field string) bool {
	switch field {
	case "app_id":
		return g.AppID
	case "app_key":
		return g.AppKey
	case "app_secret":
		return g.AppSecret
	}
	return false
}

// LookupField selects the credential column used by FindActive.
type LookupField string

const (
	LookupByID     LookupField = "app_id"
	LookupByKey    LookupField = "app_key"
	LookupBySecret LookupField = "app_secret"
)

type ApplicationFilter struct {
	Active *bool
	Search string
	Limit  int
}
