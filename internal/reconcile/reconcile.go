// Package reconcile computes the operations that converge a local and a remote snapshot.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/fclairamb/boxsync/internal/metadata"
)

// Action is what has to happen to one path.
type Action int

// Possible actions.
const (
	Noop Action = iota
	Upload
	Download
	DeleteLocal
	DeleteRemote
)

func (a Action) String() string {
	switch a {
	case Noop:
		return "noop"
	case Upload:
		return "upload"
	case Download:
		return "download"
	case DeleteLocal:
		return "delete_local"
	case DeleteRemote:
		return "delete_remote"
	default:
		return "unknown"
	}
}

// IsDelete reports whether the action removes a file.
func (a Action) IsDelete() bool {
	return a == DeleteLocal || a == DeleteRemote
}

// rank orders actions in a plan: deletes, downloads, uploads, no-ops.
func (a Action) rank() int {
	switch a {
	case DeleteLocal, DeleteRemote:
		return 0
	case Download:
		return 1
	case Upload:
		return 2
	default:
		return 3
	}
}

// Operation is one step of a plan.
// Local and Remote hold the state of each side at planning time, nil when absent.
type Operation struct {
	Action   Action
	Path     string
	Local    *metadata.FileMetadata
	Remote   *metadata.FileMetadata
	Conflict bool
}

// Plan is the ordered list of operations converging two snapshots.
type Plan struct {
	Operations []Operation
}

// Paths returns the paths of the operations with action a, in plan order.
func (p *Plan) Paths(a Action) []string {
	var out []string
	for _, op := range p.Operations {
		if op.Action == a {
			out = append(out, op.Path)
		}
	}
	return out
}

// Summary groups paths by action. Actions without operations are absent.
func (p *Plan) Summary() map[Action][]string {
	out := make(map[Action][]string)
	for _, op := range p.Operations {
		out[op.Action] = append(out[op.Action], op.Path)
	}
	return out
}

// Pending returns the operations that do something.
func (p *Plan) Pending() []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Action != Noop {
			out = append(out, op)
		}
	}
	return out
}

// Conflicts returns the number of operations that resolved a conflict.
func (p *Plan) Conflicts() int {
	n := 0
	for _, op := range p.Operations {
		if op.Conflict {
			n++
		}
	}
	return n
}

// Reconciler diffs snapshots.
type Reconciler struct {
	resolver ConflictResolver
	logger   *slog.Logger
}

// Option configures Reconciler.
type Option func(*Reconciler)

// WithLogger sets a custom logger for the reconciler.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// New creates a reconciler. A nil resolver means PreferRemote.
func New(resolver ConflictResolver, opts ...Option) *Reconciler {
	if resolver == nil {
		resolver = PreferRemote
	}
	r := &Reconciler{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Diff compares two snapshots with no history: a path on one side only is
// copied to the other, and different content on both sides is a conflict.
func (r *Reconciler) Diff(local, remote []*metadata.FileMetadata) *Plan {
	return r.DiffWithBase(local, nil, remote)
}

// DiffWithBase compares two snapshots against base, the state both sides
// agreed on after the last sync. A side differs from base when it was
// modified, created or deleted since then. Only paths changed on both sides
// to different content go through the resolver.
func (r *Reconciler) DiffWithBase(local, base, remote []*metadata.FileMetadata) *Plan {
	localIdx := metadata.Index(local)
	baseIdx := metadata.Index(base)
	remoteIdx := metadata.Index(remote)

	paths := make(map[string]struct{}, len(localIdx)+len(remoteIdx))
	for _, idx := range []map[string]*metadata.FileMetadata{localIdx, baseIdx, remoteIdx} {
		for p := range idx {
			paths[p] = struct{}{}
		}
	}

	plan := &Plan{Operations: make([]Operation, 0, len(paths))}
	for p := range paths {
		plan.Operations = append(plan.Operations, r.decide(p, localIdx[p], baseIdx[p], remoteIdx[p]))
	}

	sort.SliceStable(plan.Operations, func(i, j int) bool {
		a, b := plan.Operations[i], plan.Operations[j]
		if a.Action.rank() != b.Action.rank() {
			return a.Action.rank() < b.Action.rank()
		}
		return a.Path < b.Path
	})
	return plan
}

func (r *Reconciler) decide(p string, l, b, rm *metadata.FileMetadata) Operation {
	op := Operation{Path: p, Local: l, Remote: rm}

	if l.SameContent(rm) {
		op.Action = Noop
		return op
	}

	localModified := !l.SameContent(b)
	remoteModified := !b.SameContent(rm)

	switch {
	case localModified && !remoteModified:
		op.Action = pushLocal(l)
	case remoteModified && !localModified:
		op.Action = pullRemote(rm)
	default:
		op.Conflict = true
		winner := r.resolver.Resolve(Conflict{Path: p, Local: l, Base: b, Remote: rm})
		if winner == LocalWins {
			op.Action = pushLocal(l)
		} else {
			op.Action = pullRemote(rm)
		}
		r.logger.Debug("resolved conflict", "path", p, "winner", winner.String(), "action", op.Action.String())
	}
	return op
}

// pushLocal makes the remote side match l.
func pushLocal(l *metadata.FileMetadata) Action {
	if l == nil {
		return DeleteRemote
	}
	return Upload
}

// pullRemote makes the local side match rm.
func pullRemote(rm *metadata.FileMetadata) Action {
	if rm == nil {
		return DeleteLocal
	}
	return Download
}
