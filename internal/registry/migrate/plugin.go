package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator prepares the schema of one backend. Migrators decide for
// themselves, from the config in ctx, whether they apply; one that does not
// returns nil without touching anything.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its position in the run. Stores run before
// the vector backends that may share their database.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names lists registered migrators in run order.
func Names() []string {
	ordered := ordered()
	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.Migrator.Name()
	}
	return names
}

func ordered() []Plugin {
	out := make([]Plugin, len(plugins))
	copy(out, plugins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// RunAll executes every registered migrator in order and stops at the first
// failure.
func RunAll(ctx context.Context) error {
	for _, p := range ordered() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("migrations interrupted before %s: %w", p.Migrator.Name(), err)
		}
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migrator finished", "name", p.Migrator.Name(), "elapsed", time.Since(start))
	}
	return nil
}
