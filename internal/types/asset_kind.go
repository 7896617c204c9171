package types

import (
	"fmt"
	"strings"
)

type kindTag uint8

const (
	tagUnknown kindTag = iota
	tagJersey
	tagStadium
	tagBadge
	tagCustom
)

// AssetKind is the closed set of asset categories. Custom collections
// carry their collection id. The zero value is the unknown kind.
type AssetKind struct {
	tag        kindTag
	collection string
}

var (
	KindJersey  = AssetKind{tag: tagJersey}
	KindStadium = AssetKind{tag: tagStadium}
	KindBadge   = AssetKind{tag: tagBadge}
)

// CustomCollection returns the kind of a user-created collection.
func CustomCollection(id string) AssetKind {
	return AssetKind{tag: tagCustom, collection: strings.ToLower(strings.TrimSpace(id))}
}

// IsZero reports whether the kind was never resolved.
func (k AssetKind) IsZero() bool { return k.tag == tagUnknown }

// IsCustom reports whether k is a custom collection, returning its id.
func (k AssetKind) IsCustom() (string, bool) {
	return k.collection, k.tag == tagCustom
}

func (k AssetKind) String() string {
	switch k.tag {
	case tagJersey:
		return "jersey"
	case tagStadium:
		return "stadium"
	case tagBadge:
		return "badge"
	case tagCustom:
		return "custom:" + k.collection
	}
	return ""
}

// ParseAssetKind parses the textual form produced by String.
func ParseAssetKind(s string) (AssetKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return AssetKind{}, nil
	case "jersey":
		return KindJersey, nil
	case "stadium":
		return KindStadium, nil
	case "badge":
		return KindBadge, nil
	}
	if id, ok := strings.CutPrefix(s, "custom:"); ok && id != "" {
		return CustomCollection(id), nil
	}
	return AssetKind{}, fmt.Errorf("unknown asset kind %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (k AssetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AssetKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAssetKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KindResolver maps a contract address to its asset kind. Contracts with
// no explicit mapping are treated as custom collections keyed by address.
type KindResolver struct {
	byContract map[string]AssetKind
}

// NewKindResolver builds a resolver from contract -> kind text pairs.
func NewKindResolver(mapping map[string]string) (*KindResolver, error) {
	r := &KindResolver{byContract: make(map[string]AssetKind, len(mapping))}
	for contract, text := range mapping {
		kind, err := ParseAssetKind(text)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", contract, err)
		}
		r.byContract[strings.ToLower(contract)] = kind
	}
	return r, nil
}

// Resolve returns the kind for a contract.
func (r *KindResolver) Resolve(contract string) AssetKind {
	contract = strings.ToLower(contract)
	if r != nil {
		if kind, ok := r.byContract[contract]; ok && !kind.IsZero() {
			return kind
		}
	}
	return CustomCollection(contract)
}
