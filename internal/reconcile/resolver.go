package reconcile

import (
	"fmt"
	"strings"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
)

// Winner is the side whose state is kept when both sides changed.
type Winner int

// Possible winners.
const (
	RemoteWins Winner = iota
	LocalWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// Conflict describes a path changed on both sides since the last sync.
// A nil Local or Remote means the file was deleted on that side.
type Conflict struct {
	Path   string
	Local  *metadata.FileMetadata
	Base   *metadata.FileMetadata
	Remote *metadata.FileMetadata
}

// ConflictResolver picks the winning side of a conflict.
type ConflictResolver interface {
	Resolve(c Conflict) Winner
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(c Conflict) Winner

// Resolve calls f(c).
func (f ResolverFunc) Resolve(c Conflict) Winner {
	return f(c)
}

// Policy names accepted by ParsePolicy.
const (
	PolicyRemote = "remote"
	PolicyLocal  = "local"
	PolicyNewest = "newest"
)

var (
	// PreferRemote keeps the remote state: whoever reached the server first wins.
	PreferRemote ConflictResolver = ResolverFunc(func(Conflict) Winner { return RemoteWins })

	// PreferLocal keeps the local state.
	PreferLocal ConflictResolver = ResolverFunc(func(Conflict) Winner { return LocalWins })

	// LastWriterWins keeps the side with the later modification time. Ties go
	// to the remote side, and a modification always beats a deletion.
	LastWriterWins ConflictResolver = ResolverFunc(lastWriterWins)
)

func lastWriterWins(c Conflict) Winner {
	switch {
	case c.Local == nil:
		return RemoteWins
	case c.Remote == nil:
		return LocalWins
	case c.Local.ModifiedAt.After(c.Remote.ModifiedAt):
		return LocalWins
	default:
		return RemoteWins
	}
}

// ParsePolicy returns the resolver registered under name.
func ParsePolicy(name string) (ConflictResolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyRemote:
		return PreferRemote, nil
	case PolicyLocal:
		return PreferLocal, nil
	case PolicyNewest:
		return LastWriterWins, nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownConflictPolicy, name)
	}
}
