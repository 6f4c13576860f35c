// Package builtin provides the skills shipped with relay.
package builtin

import (
	"time"

	"github.com/rcli/relay/pkg/skills"
)

// Options configures the built-in skills.
type Options struct {
	// Root confines the fs skill. Empty means the working directory.
	Root string
	// Now overrides the clock used by datetime.
	Now func() time.Time
	// MaxReadBytes caps fs.read_file output. Zero means 64KiB.
	MaxReadBytes int
}

// Skills returns every built-in skill in a stable order.
func Skills(opts Options) []skills.Skill {
	return []skills.Skill{
		Math(),
		DateTime(opts.Now),
		Text(),
		JSON(),
		FS(opts.Root, opts.MaxReadBytes),
	}
}

// Register adds every built-in skill to r.
func Register(r *skills.Registry, opts Options) error {
	for _, s := range Skills(opts) {
		s.Source = "builtin"
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
