package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
	"github.com/Napageneral/chms/internal/identity"
)

// GroupSummary is one provider group after its linked members were given
// their membership role.
type GroupSummary struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	GroupType  string `json:"group_type,omitempty"`
	Members    int    `json:"members"`
	Linked     int    `json:"linked"`
	Leaders    int    `json:"leaders"`
}

// ErrAlreadyLinked is returned by PushProfile for a profile that already has
// a person in the provider.
var ErrAlreadyLinked = errors.New("profile already linked to a provider person")

func (e *Engine) connect(ctx context.Context, conn chms.Connection) (chms.Provider, error) {
	provider, err := e.newProvider(conn)
	if err != nil {
		return nil, err
	}
	if err := provider.Authenticate(ctx); err != nil {
		return nil, err
	}
	return provider, nil
}

// SyncGroups lists the connection's groups and promotes linked members to the
// role their group position implies. Members with no local link are counted
// but otherwise ignored.
func (e *Engine) SyncGroups(ctx context.Context, conn chms.Connection, groupTypes []string) ([]GroupSummary, error) {
	provider, err := e.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	groups, err := provider.ListGroups(ctx, groupTypes)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sum := GroupSummary{ExternalID: g.ExternalID, Name: g.Name, GroupType: g.GroupType, Members: len(g.Members)}
		for _, m := range g.Members {
			id, ok, err := e.store.FindLink(ctx, identity.LinkKey{
				OrganizationID: conn.OrganizationID,
				Provider:       conn.Provider,
				ExternalID:     m.ExternalPersonID,
			})
			if err != nil {
				return out, err
			}
			if !ok {
				continue
			}
			role := fieldmap.MemberRoleForGroup(m.Role)
			if err := e.store.EnsureMembership(ctx, conn.OrganizationID, id, role); err != nil {
				return out, fmt.Errorf("group %s: %w", g.ExternalID, err)
			}
			sum.Linked++
			if role == fieldmap.RoleLeader {
				sum.Leaders++
			}
		}
		out = append(out, sum)
	}
	e.logger.Info("groups synced", "connection", conn.Name, "groups", len(out))
	return out, nil
}

// PushProfile creates a provider person from a local profile and links the
// two. It returns the new external id.
func (e *Engine) PushProfile(ctx context.Context, conn chms.Connection, profileID string) (string, error) {
	rec, err := e.store.GetProfile(ctx, profileID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("profile %s not found", profileID)
	}
	if _, linked, err := e.store.LinkedExternalID(ctx, conn.OrganizationID, conn.Provider, profileID); err != nil {
		return "", err
	} else if linked {
		return "", ErrAlreadyLinked
	}

	provider, err := e.connect(ctx, conn)
	if err != nil {
		return "", err
	}
	externalID, err := provider.CreatePerson(ctx, fieldmap.PersonFromProfile(rec.Profile, e.now()))
	if err != nil {
		return "", fmt.Errorf("create person: %w", err)
	}
	key := identity.LinkKey{OrganizationID: conn.OrganizationID, Provider: conn.Provider, ExternalID: externalID}
	if err := e.store.CreateLink(ctx, key, profileID, conn.Name); err != nil {
		return externalID, fmt.Errorf("link pushed person %s: %w", externalID, err)
	}
	e.logger.Info("profile pushed", "connection", conn.Name, "profile_id", profileID, "external_id", externalID)
	return externalID, nil
}
