package route

import (
	"sort"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/memory"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Services are the process-wide dependencies handed to API route plugins.
type Services struct {
	Config   *config.Config
	Store    registrystore.ChatStore
	Memory   *memory.Index
	Sessions *security.Sessions
	// Auth rejects unauthenticated requests and sets the caller's user ID.
	Auth gin.HandlerFunc
}

// APILoader mounts routes that serve users on the main listener.
type APILoader func(r *gin.Engine, svc *Services) error

// ManagementLoader mounts probe and metrics routes. They are served on the
// management listener when one is configured, otherwise on the main one.
type ManagementLoader func(r *gin.Engine) error

// Plugin contributes routes. Either loader may be nil.
type Plugin struct {
	Name       string
	Order      int
	API        APILoader
	Management ManagementLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func ordered() []Plugin {
	out := make([]Plugin, len(plugins))
	copy(out, plugins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names lists the registered route plugins in mount order.
func Names() []string {
	var names []string
	for _, p := range ordered() {
		names = append(names, p.Name)
	}
	return names
}

// MountAPI mounts every API route plugin on r.
func MountAPI(r *gin.Engine, svc *Services) error {
	for _, p := range ordered() {
		if p.API == nil {
			continue
		}
		if err := p.API(r, svc); err != nil {
			return err
		}
	}
	return nil
}

// MountManagement mounts every management route plugin on r.
func MountManagement(r *gin.Engine) error {
	for _, p := range ordered() {
		if p.Management == nil {
			continue
		}
		if err := p.Management(r); err != nil {
			return err
		}
	}
	return nil
}
