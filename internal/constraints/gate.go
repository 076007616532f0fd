package constraints

import (
	"errors"
	"fmt"

	"github.com/citizenfx/fxcore/internal/resource"
)

var (
	ErrUnmetConstraint   = errors.New("unmet constraint")
	ErrMissingDependency = errors.New("missing dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

// InstallGate attaches the dependency gate to every resource mgr creates.
func InstallGate(mgr *resource.Manager, m *Matcher) {
	mgr.OnInitializeInstance(func(r *resource.Resource) error {
		AttachGate(r, m, mgr)
		return nil
	})
}

// AttachGate vetoes r's start unless each manifest dependency holds.
// Constraint entries must pass the matcher; any other entry names a
// resource, which is started first.
func AttachGate(r *resource.Resource, m *Matcher, mgr *resource.Manager) {
	r.OnBeforeStart(func() error {
		for _, dep := range resource.MetadataOf(r).Entries(resource.MetaDependencies) {
			switch result, msg := m.Match(dep); result {
			case Fail:
				return fmt.Errorf("%w: %s", ErrUnmetConstraint, msg)
			case Pass:
				continue
			}

			d := mgr.GetResource(dep)
			if d == nil {
				return fmt.Errorf("%w: %s", ErrMissingDependency, dep)
			}
			// a dependency still starting is somewhere up this call chain
			if d == r || d.State() == resource.StateStarting {
				return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, r.Name(), dep)
			}
			if err := d.Start(); err != nil {
				return fmt.Errorf("start dependency %s: %w", dep, err)
			}
		}
		return nil
	})
}
