package pieces

import (
	"sort"
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

type registeredPiece struct {
	version string
	actions map[string]Action
}

// Registry is a thread-safe catalog of pieces and their actions.
type Registry struct {
	mu     sync.RWMutex
	pieces map[string]*registeredPiece
}

func NewRegistry() *Registry {
	return &Registry{pieces: make(map[string]*registeredPiece)}
}

// Register adds a piece with its actions. A piece name can be registered once;
// duplicate action names inside the piece are rejected.
func (r *Registry) Register(piece, version string, actions ...Action) error {
	if piece == "" {
		return schema.NewError(schema.ErrCodeValidation, "piece name is empty")
	}

	p := &registeredPiece{version: version, actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if a == nil || a.Name() == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "piece %q has an unnamed action", piece)
		}
		if _, dup := p.actions[a.Name()]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "piece %q declares action %q twice", piece, a.Name())
		}
		p.actions[a.Name()] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pieces[piece]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "piece %q already registered", piece)
	}
	r.pieces[piece] = p
	return nil
}

// Get resolves an action. Unknown pieces or actions are PIECE_UNAVAILABLE.
func (r *Registry) Get(piece, action string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pieces[piece]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable, "piece %q is not installed", piece)
	}
	a, ok := p.actions[action]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable, "piece %q has no action %q", piece, action)
	}
	return a, nil
}

// Has reports whether piece exposes action.
func (r *Registry) Has(piece, action string) bool {
	_, err := r.Get(piece, action)
	return err == nil
}

// List returns every action sorted by piece then action name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []ActionInfo
	for name, p := range r.pieces {
		for _, a := range p.actions {
			infos = append(infos, ActionInfo{
				Piece:       name,
				Action:      a.Name(),
				Version:     p.version,
				Description: a.Schema().Description,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Piece != infos[j].Piece {
			return infos[i].Piece < infos[j].Piece
		}
		return infos[i].Action < infos[j].Action
	})
	return infos
}

// Count returns the number of registered actions across all pieces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.pieces {
		n += len(p.actions)
	}
	return n
}
