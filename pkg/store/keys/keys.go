package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// notation dictionary for key formats:
	// u   = user
	// ue  = user email index
	// w   = workspace
	// wm  = workspace member
	// ch  = channel
	// wc  = workspace → channel index
	// cm  = channel member
	// hd  = channel head (last allocated message id)
	// m   = message
	// rp  = read position
	// dd  = publish dedupe record
	// rel = relationship marker
	// All ids are zero padded so lexicographic order matches numeric order.

	UserKey      = "u:%020d"
	UserEmailKey = "ue:%s"

	WorkspaceKey       = "w:%020d"
	WorkspaceMemberKey = "wm:%020d:%020d" // wm:<workspace>:<user>
	RelUserWorkspace   = "rel:u:%020d:w:%020d"

	ChannelKey          = "ch:%020d"
	WorkspaceChannelKey = "wc:%020d:%020d" // wc:<workspace>:<channel>
	ChannelMemberKey    = "cm:%020d:%020d" // cm:<channel>:<user>
	RelUserChannel      = "rel:u:%020d:c:%020d"

	ChannelHeadKey  = "hd:%020d"
	MessageKey      = "m:%020d:%020d"  // m:<channel>:<message id>
	ReadPositionKey = "rp:%020d:%020d" // rp:<channel>:<user>
	DedupeKey       = "dd:%020d:%020d:%s"

	SequenceKey = "seq:%s"

	IDPadWidth = 20
)

// Prefixes used for scans and key accounting.
const (
	PrefixUser      = "u:"
	PrefixWorkspace = "w:"
	PrefixChannel   = "ch:"
	PrefixMessage   = "m:"
	PrefixRead      = "rp:"
	PrefixDedupe    = "dd:"
	PrefixHead      = "hd:"
	PrefixRel       = "rel:"
)

// AllPrefixes lists the top-level families in display order.
var AllPrefixes = []string{
	PrefixUser, "ue:", PrefixWorkspace, "wm:", PrefixChannel, "wc:", "cm:",
	PrefixHead, PrefixMessage, PrefixRead, PrefixDedupe, PrefixRel, "seq:",
}

func User(id int64) string        { return fmt.Sprintf(UserKey, id) }
func UserEmail(email string) string {
	return fmt.Sprintf(UserEmailKey, strings.ToLower(strings.TrimSpace(email)))
}

func Workspace(id int64) string { return fmt.Sprintf(WorkspaceKey, id) }
func WorkspaceMember(workspaceID, userID int64) string {
	return fmt.Sprintf(WorkspaceMemberKey, workspaceID, userID)
}
func WorkspaceMembersPrefix(workspaceID int64) string {
	return fmt.Sprintf("wm:%020d:", workspaceID)
}
func UserWorkspace(userID, workspaceID int64) string {
	return fmt.Sprintf(RelUserWorkspace, userID, workspaceID)
}
func UserWorkspacesPrefix(userID int64) string { return fmt.Sprintf("rel:u:%020d:w:", userID) }

func Channel(id int64) string { return fmt.Sprintf(ChannelKey, id) }
func WorkspaceChannel(workspaceID, channelID int64) string {
	return fmt.Sprintf(WorkspaceChannelKey, workspaceID, channelID)
}
func WorkspaceChannelsPrefix(workspaceID int64) string { return fmt.Sprintf("wc:%020d:", workspaceID) }
func ChannelMember(channelID, userID int64) string {
	return fmt.Sprintf(ChannelMemberKey, channelID, userID)
}
func ChannelMembersPrefix(channelID int64) string { return fmt.Sprintf("cm:%020d:", channelID) }
func UserChannel(userID, channelID int64) string {
	return fmt.Sprintf(RelUserChannel, userID, channelID)
}

func ChannelHead(channelID int64) string { return fmt.Sprintf(ChannelHeadKey, channelID) }
func Message(channelID, messageID int64) string {
	return fmt.Sprintf(MessageKey, channelID, messageID)
}
func MessagesPrefix(channelID int64) string { return fmt.Sprintf("m:%020d:", channelID) }
func ReadPosition(channelID, userID int64) string {
	return fmt.Sprintf(ReadPositionKey, channelID, userID)
}
func Dedupe(channelID, senderID int64, clientMessageID string) string {
	return fmt.Sprintf(DedupeKey, channelID, senderID, clientMessageID)
}
func Sequence(kind string) string { return fmt.Sprintf(SequenceKey, kind) }

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			end := make([]byte, i+1)
			copy(end, b[:i+1])
			end[i]++
			return end
		}
	}
	return nil
}

func parsePadded(s string) (int64, error) {
	if len(s) != IDPadWidth {
		return 0, errors.NotValidf("padded id %q", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

// ParseMessageKey splits m:<channel>:<id>.
func ParseMessageKey(key string) (channelID, messageID int64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "m" {
		return 0, 0, errors.NotValidf("message key %q", key)
	}
	if channelID, err = parsePadded(parts[1]); err != nil {
		return 0, 0, errors.Trace(err)
	}
	if messageID, err = parsePadded(parts[2]); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return channelID, messageID, nil
}

// ParsePair splits any <prefix>:<a>:<b> key with two padded ids.
func ParsePair(key, prefix string) (a, b int64, err error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, 0, errors.NotValidf("key %q for prefix %q", key, prefix)
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 {
		return 0, 0, errors.NotValidf("key %q", key)
	}
	if a, err = parsePadded(parts[0]); err != nil {
		return 0, 0, errors.Trace(err)
	}
	if b, err = parsePadded(parts[1]); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return a, b, nil
}

// ParseRelTarget extracts the trailing id of rel:u:<user>:<kind>:<id>.
func ParseRelTarget(key string) (int64, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, errors.NotValidf("relation key %q", key)
	}
	return parsePadded(key[i+1:])
}

// ParseDedupeKey splits dd:<channel>:<sender>:<client id>.
func ParseDedupeKey(key string) (channelID, senderID int64, clientID string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "dd" {
		return 0, 0, "", errors.NotValidf("dedupe key %q", key)
	}
	if channelID, err = parsePadded(parts[1]); err != nil {
		return 0, 0, "", errors.Trace(err)
	}
	if senderID, err = parsePadded(parts[2]); err != nil {
		return 0, 0, "", errors.Trace(err)
	}
	return channelID, senderID, parts[3], nil
}

// ValidClientMessageID bounds the caller-supplied idempotency key.
func ValidClientMessageID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r == ':' || r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
