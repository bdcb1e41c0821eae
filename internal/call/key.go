package call

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PeerKind discriminates the two participant identity namespaces.
type PeerKind uint8

const (
	PeerAccount PeerKind = iota + 1 // authenticated account
	PeerGuest                       // one-time-token guest
)

// PeerKey identifies one call participant. It is either an account id or a
// numeric guest id — never a bare string with a magic prefix. The zero value
// is invalid; use AccountKey/GuestKey.
type PeerKey struct {
	Kind    PeerKind
	Account string
	Guest   int64
}

func AccountKey(id string) PeerKey {
	return PeerKey{Kind: PeerAccount, Account: id}
}

func GuestKey(id int64) PeerKey {
	return PeerKey{Kind: PeerGuest, Guest: id}
}

// IsZero reports whether k carries no identity at all.
func (k PeerKey) IsZero() bool {
	return k.Kind == 0
}

// String returns the wire form: "user:<id>" or "guest:<id>".
func (k PeerKey) String() string {
	switch k.Kind {
	case PeerAccount:
		return "user:" + k.Account
	case PeerGuest:
		return "guest:" + strconv.FormatInt(k.Guest, 10)
	default:
		return ""
	}
}

// ParsePeerKey parses the wire form produced by String.
func ParsePeerKey(s string) (PeerKey, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return PeerKey{}, fmt.Errorf("malformed peer key %q", s)
	}
	switch prefix {
	case "user":
		return AccountKey(rest), nil
	case "guest":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return PeerKey{}, fmt.Errorf("malformed guest key %q: %w", s, err)
		}
		return GuestKey(id), nil
	default:
		return PeerKey{}, fmt.Errorf("unknown peer key namespace %q", prefix)
	}
}

// MarshalJSON encodes the wire form, not the struct fields.
func (k PeerKey) MarshalJSON() ([]byte, error) {
	if k.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(k.String())
}

func (k *PeerKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*k = PeerKey{}
		return nil
	}
	parsed, err := ParsePeerKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Less orders peer keys by their wire form. Used to pick a deterministic
// initiator for a link, so both ends of a glared renegotiation resolve it
// the same way regardless of caller/callee role.
func (k PeerKey) Less(other PeerKey) bool {
	return k.String() < other.String()
}
