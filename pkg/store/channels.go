package store

import (
	"sort"
	"strings"

	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"

	"github.com/juju/errors"
)

type channelRecord struct {
	ID          int64             `json:"id"`
	WorkspaceID int64             `json:"workspace_id"`
	Name        string            `json:"name"`
	Visibility  models.Visibility `json:"visibility"`
	Description string            `json:"description"`
	Icon        string            `json:"icon,omitempty"`
	Color       string            `json:"color,omitempty"`
	CreatedBy   int64             `json:"created_by"`
	CreatedNS   int64             `json:"created_ns"`
}

func (r channelRecord) toModel() models.Channel {
	return models.Channel{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Name:        r.Name,
		Visibility:  r.Visibility,
		Description: r.Description,
		Icon:        r.Icon,
		Color:       r.Color,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   localTime(r.CreatedNS),
	}
}

type channelMemberRecord struct {
	ChannelID int64              `json:"channel_id"`
	UserID    int64              `json:"user_id"`
	Role      models.ChannelRole `json:"role"`
	JoinedNS  int64              `json:"joined_ns"`
}

// NewChannel is the input to CreateChannel.
type NewChannel struct {
	WorkspaceID int64
	Name        string
	Visibility  models.Visibility
	Description string
	Icon        string
	Color       string
}

// CreateChannel creates a channel in a workspace the actor belongs to. The
// actor becomes the channel OWNER.
func (s *Store) CreateChannel(actorID int64, in NewChannel) (models.Channel, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return models.Channel{}, errors.NotValidf("empty channel name")
	}
	if in.Visibility == "" {
		in.Visibility = models.Public
	}
	if in.Visibility != models.Public && in.Visibility != models.Private {
		return models.Channel{}, errors.NotValidf("visibility %q", in.Visibility)
	}
	if _, err := s.WorkspaceRole(in.WorkspaceID, actorID); err != nil {
		return models.Channel{}, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	id, err := s.nextID(b, seqChannel)
	if err != nil {
		return models.Channel{}, err
	}
	now := s.now().UnixNano()
	rec := channelRecord{
		ID: id, WorkspaceID: in.WorkspaceID, Name: in.Name, Visibility: in.Visibility,
		Description: strings.TrimSpace(in.Description), Icon: in.Icon, Color: in.Color,
		CreatedBy: actorID, CreatedNS: now,
	}
	if err := setJSON(b, keys.Channel(id), rec); err != nil {
		return models.Channel{}, err
	}
	if err := b.Set([]byte(keys.WorkspaceChannel(in.WorkspaceID, id)), nil, nil); err != nil {
		return models.Channel{}, errors.Trace(err)
	}
	m := channelMemberRecord{ChannelID: id, UserID: actorID, Role: models.ChannelOwner, JoinedNS: now}
	if err := s.stageChannelMember(b, m); err != nil {
		return models.Channel{}, err
	}
	if err := s.commit(b); err != nil {
		return models.Channel{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) stageChannelMember(b batchSetter, m channelMemberRecord) error {
	if err := setJSON(b, keys.ChannelMember(m.ChannelID, m.UserID), m); err != nil {
		return err
	}
	return errors.Trace(b.Set([]byte(keys.UserChannel(m.UserID, m.ChannelID)), nil, nil))
}

func (s *Store) GetChannel(id int64) (models.Channel, error) {
	rec, err := s.getChannelRecord(id)
	if err != nil {
		return models.Channel{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) getChannelRecord(id int64) (channelRecord, error) {
	var rec channelRecord
	if err := s.getJSON(keys.Channel(id), &rec); err != nil {
		if errors.Is(err, errors.NotFound) {
			return rec, errors.NotFoundf("channel %d", id)
		}
		return rec, err
	}
	return rec, nil
}

func (s *Store) channelMember(channelID, userID int64) (channelMemberRecord, bool, error) {
	var m channelMemberRecord
	err := s.getJSON(keys.ChannelMember(channelID, userID), &m)
	if errors.Is(err, errors.NotFound) {
		return m, false, nil
	}
	return m, err == nil, err
}

// ChannelRole returns userID's explicit channel role, Forbidden when the
// user holds none.
func (s *Store) ChannelRole(channelID, userID int64) (models.ChannelRole, error) {
	if _, err := s.getChannelRecord(channelID); err != nil {
		return "", err
	}
	m, ok, err := s.channelMember(channelID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Forbiddenf("user %d is not a member of channel %d", userID, channelID)
	}
	return m.Role, nil
}

// authorizeRead fails NotFound for a missing channel and Forbidden when
// memberID cannot see it.
func (s *Store) authorizeRead(memberID, channelID int64) error {
	ok, err := s.IsMember(memberID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbiddenf("channel %d", channelID)
	}
	return nil
}

// IsMember reports whether memberID may read and publish in the channel:
// an explicit channel member, or any workspace member for PUBLIC channels.
func (s *Store) IsMember(memberID, channelID int64) (bool, error) {
	ch, err := s.getChannelRecord(channelID)
	if err != nil {
		return false, err
	}
	_, ok, err := s.channelMember(channelID, memberID)
	if err != nil || ok {
		return ok, err
	}
	if ch.Visibility == models.Private {
		return false, nil
	}
	return s.IsWorkspaceMember(ch.WorkspaceID, memberID)
}

// IsPrivileged reports whether memberID owns the channel.
func (s *Store) IsPrivileged(memberID, channelID int64) (bool, error) {
	role, err := s.ChannelRole(channelID, memberID)
	if errors.Is(err, errors.Forbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == models.ChannelOwner, nil
}

// AddChannelMember adds the workspace member registered under email. Only
// the channel owner may do this.
func (s *Store) AddChannelMember(actorID, channelID int64, email string) (models.ChannelMembership, error) {
	ch, err := s.getChannelRecord(channelID)
	if err != nil {
		return models.ChannelMembership{}, err
	}
	owner, err := s.IsPrivileged(actorID, channelID)
	if err != nil {
		return models.ChannelMembership{}, err
	}
	if !owner {
		return models.ChannelMembership{}, errors.Forbiddenf("only the channel owner can add members")
	}
	u, err := s.GetUserByEmail(email)
	if err != nil {
		return models.ChannelMembership{}, err
	}
	inWorkspace, err := s.IsWorkspaceMember(ch.WorkspaceID, u.ID)
	if err != nil {
		return models.ChannelMembership{}, err
	}
	if !inWorkspace {
		return models.ChannelMembership{}, errors.NotValidf("user %s outside workspace %d", u.Email, ch.WorkspaceID)
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if _, exists, err := s.channelMember(channelID, u.ID); err != nil {
		return models.ChannelMembership{}, err
	} else if exists {
		return models.ChannelMembership{}, errors.AlreadyExistsf("member %s of channel %d", u.Email, channelID)
	}
	b := s.db.NewBatch()
	defer b.Close()
	m := channelMemberRecord{ChannelID: channelID, UserID: u.ID, Role: models.ChannelMember, JoinedNS: s.now().UnixNano()}
	if err := s.stageChannelMember(b, m); err != nil {
		return models.ChannelMembership{}, err
	}
	if err := s.commit(b); err != nil {
		return models.ChannelMembership{}, err
	}
	return models.ChannelMembership{
		ChannelID: channelID, UserID: u.ID, Name: u.Name, Email: u.Email,
		Role: m.Role, JoinedAt: localTime(m.JoinedNS),
	}, nil
}

// ChannelMembers lists explicit channel members visible to actorID.
func (s *Store) ChannelMembers(actorID, channelID int64) ([]models.ChannelMembership, error) {
	if err := s.authorizeRead(actorID, channelID); err != nil {
		return nil, err
	}
	var recs []channelMemberRecord
	var decodeErr error
	err := s.scanPrefix(keys.ChannelMembersPrefix(channelID), func(_, v []byte) bool {
		var m channelMemberRecord
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
	out := make([]models.ChannelMembership, 0, len(recs))
	for _, m := range recs {
		u, err := s.GetUser(m.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChannelMembership{
			ChannelID: m.ChannelID, UserID: m.UserID, Name: u.Name, Email: u.Email,
			Role: m.Role, JoinedAt: localTime(m.JoinedNS),
		})
	}
	return out, nil
}

// VisibleChannels lists the workspace channels viewerID can see, newest
// first, each with the viewer's unread count and latest message.
func (s *Store) VisibleChannels(viewerID, workspaceID int64) ([]models.ChannelSummary, error) {
	if _, err := s.WorkspaceRole(workspaceID, viewerID); err != nil {
		return nil, err
	}
	var ids []int64
	err := s.scanPrefix(keys.WorkspaceChannelsPrefix(workspaceID), func(k, _ []byte) bool {
		if _, id, perr := keys.ParsePair(string(k), "wc:"); perr == nil {
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	var recs []channelRecord
	for _, id := range ids {
		rec, err := s.getChannelRecord(id)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Visibility == models.Private {
			if _, ok, err := s.channelMember(id, viewerID); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedNS != recs[j].CreatedNS {
			return recs[i].CreatedNS > recs[j].CreatedNS
		}
		return recs[i].ID > recs[j].ID
	})

	out := make([]models.ChannelSummary, 0, len(recs))
	for _, rec := range recs {
		u, err := s.Unread(viewerID, rec.ID)
		if err != nil {
			return nil, err
		}
		latest, err := s.Latest(rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChannelSummary{
			Channel:           rec.toModel(),
			UnreadCount:       u.UnreadCount,
			LastReadMessageID: u.LastReadMessageID,
			LatestMessage:     latest,
		})
	}
	return out, nil
}
