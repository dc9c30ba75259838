package records

import (
	"context"
	"encoding/json"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// Profiles accesses users/{uid}.
type Profiles struct {
	tree tree.Client
}

// NewProfiles creates the accessor.
func NewProfiles(c tree.Client) *Profiles {
	return &Profiles{tree: c}
}

// Get reads uid's profile. It returns nil, nil when the profile is missing.
func (p *Profiles) Get(ctx context.Context, uid string) (*Profile, error) {
	if err := requireSegment("profile", "uid", uid); err != nil {
		return nil, err
	}
	snap, err := p.tree.Get(ctx, tree.Join(UsersCollection, uid))
	if err != nil {
		return nil, err
	}
	if tree.IsEmpty(snap) {
		return nil, nil
	}
	var out Profile
	if err := json.Unmarshal(snap, &out); err != nil {
		return nil, &ValidationError{Entity: "profile", Key: uid, Err: err}
	}
	if err := validateKeyed("profile", uid, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put writes uid's profile wholesale.
func (p *Profiles) Put(ctx context.Context, uid string, profile Profile) error {
	if err := requireSegment("profile", "uid", uid); err != nil {
		return err
	}
	if err := Validate("profile", &profile); err != nil {
		return err
	}
	return p.tree.Set(ctx, tree.Join(UsersCollection, uid), &profile)
}
