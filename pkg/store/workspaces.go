package store

import (
	"strings"

	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"

	"github.com/juju/errors"
)

type workspaceRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerID     int64  `json:"owner_id"`
	CreatedNS   int64  `json:"created_ns"`
}

func (r workspaceRecord) toModel() models.Workspace {
	return models.Workspace{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		OwnerID:     r.OwnerID,
		CreatedAt:   localTime(r.CreatedNS),
	}
}

type workspaceMemberRecord struct {
	WorkspaceID int64                `json:"workspace_id"`
	UserID      int64                `json:"user_id"`
	Role        models.WorkspaceRole `json:"role"`
	JoinedNS    int64                `json:"joined_ns"`
}

// CreateWorkspace creates a workspace owned by ownerID.
func (s *Store) CreateWorkspace(ownerID int64, name, description string) (models.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Workspace{}, errors.NotValidf("empty workspace name")
	}
	if _, err := s.GetUser(ownerID); err != nil {
		return models.Workspace{}, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	id, err := s.nextID(b, seqWorkspace)
	if err != nil {
		return models.Workspace{}, err
	}
	now := s.now().UnixNano()
	rec := workspaceRecord{ID: id, Name: name, Description: strings.TrimSpace(description), OwnerID: ownerID, CreatedNS: now}
	if err := setJSON(b, keys.Workspace(id), rec); err != nil {
		return models.Workspace{}, err
	}
	m := workspaceMemberRecord{WorkspaceID: id, UserID: ownerID, Role: models.WorkspaceOwner, JoinedNS: now}
	if err := s.stageWorkspaceMember(b, m); err != nil {
		return models.Workspace{}, err
	}
	if err := s.commit(b); err != nil {
		return models.Workspace{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) stageWorkspaceMember(b batchSetter, m workspaceMemberRecord) error {
	if err := setJSON(b, keys.WorkspaceMember(m.WorkspaceID, m.UserID), m); err != nil {
		return err
	}
	return errors.Trace(b.Set([]byte(keys.UserWorkspace(m.UserID, m.WorkspaceID)), nil, nil))
}

func (s *Store) GetWorkspace(id int64) (models.Workspace, error) {
	var rec workspaceRecord
	if err := s.getJSON(keys.Workspace(id), &rec); err != nil {
		if errors.Is(err, errors.NotFound) {
			return models.Workspace{}, errors.NotFoundf("workspace %d", id)
		}
		return models.Workspace{}, err
	}
	return rec.toModel(), nil
}

// ListWorkspaces returns the workspaces userID belongs to, by id.
func (s *Store) ListWorkspaces(userID int64) ([]models.Workspace, error) {
	var ids []int64
	err := s.scanPrefix(keys.UserWorkspacesPrefix(userID), func(k, _ []byte) bool {
		if id, perr := keys.ParseRelTarget(string(k)); perr == nil {
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkspace(id)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// WorkspaceRole returns userID's role, Forbidden when not a member.
func (s *Store) WorkspaceRole(workspaceID, userID int64) (models.WorkspaceRole, error) {
	if _, err := s.GetWorkspace(workspaceID); err != nil {
		return "", err
	}
	var m workspaceMemberRecord
	if err := s.getJSON(keys.WorkspaceMember(workspaceID, userID), &m); err != nil {
		if errors.Is(err, errors.NotFound) {
			return "", errors.Forbiddenf("user %d is not a member of workspace %d", userID, workspaceID)
		}
		return "", err
	}
	return m.Role, nil
}

// IsWorkspaceMember reports workspace membership without failing on absence.
func (s *Store) IsWorkspaceMember(workspaceID, userID int64) (bool, error) {
	return s.has(keys.WorkspaceMember(workspaceID, userID))
}

// AddWorkspaceMember invites the user registered under email. The actor
// must be an OWNER or ADMIN.
func (s *Store) AddWorkspaceMember(actorID, workspaceID int64, email string) (models.WorkspaceMembership, error) {
	role, err := s.WorkspaceRole(workspaceID, actorID)
	if err != nil {
		return models.WorkspaceMembership{}, err
	}
	if !role.CanInvite() {
		return models.WorkspaceMembership{}, errors.Forbiddenf("role %s cannot invite", role)
	}
	u, err := s.GetUserByEmail(email)
	if err != nil {
		return models.WorkspaceMembership{}, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	exists, err := s.IsWorkspaceMember(workspaceID, u.ID)
	if err != nil {
		return models.WorkspaceMembership{}, err
	}
	if exists {
		return models.WorkspaceMembership{}, errors.AlreadyExistsf("member %s of workspace %d", u.Email, workspaceID)
	}
	b := s.db.NewBatch()
	defer b.Close()
	m := workspaceMemberRecord{WorkspaceID: workspaceID, UserID: u.ID, Role: models.WorkspaceMember, JoinedNS: s.now().UnixNano()}
	if err := s.stageWorkspaceMember(b, m); err != nil {
		return models.WorkspaceMembership{}, err
	}
	if err := s.commit(b); err != nil {
		return models.WorkspaceMembership{}, err
	}
	return models.WorkspaceMembership{
		WorkspaceID: workspaceID, UserID: u.ID, Name: u.Name, Email: u.Email,
		Role: m.Role, JoinedAt: localTime(m.JoinedNS),
	}, nil
}

// WorkspaceMembers lists members; the actor must be one.
func (s *Store) WorkspaceMembers(actorID, workspaceID int64) ([]models.WorkspaceMembership, error) {
	if _, err := s.WorkspaceRole(workspaceID, actorID); err != nil {
		return nil, err
	}
	var recs []workspaceMemberRecord
	var decodeErr error
	err := s.scanPrefix(keys.WorkspaceMembersPrefix(workspaceID), func(_, v []byte) bool {
		var m workspaceMemberRecord
		if decodeErr = unmarshal(v, &m); decodeErr != nil {
			return false
		}
		recs = append(recs, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	out := make([]models.WorkspaceMembership, 0, len(recs))
	for _, m := range recs {
		u, err := s.GetUser(m.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.WorkspaceMembership{
			WorkspaceID: m.WorkspaceID, UserID: m.UserID, Name: u.Name, Email: u.Email,
			Role: m.Role, JoinedAt: localTime(m.JoinedNS),
		})
	}
	return out, nil
}
