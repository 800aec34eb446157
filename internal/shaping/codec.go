package shaping

import (
	"encoding/json"
	"fmt"
)

// The store persists each shaping object as (kind, options-JSON). These
// helpers rebuild the tagged variant from that pair.

// UnmarshalQdiscOptions decodes qdisc options for the given kind.
func UnmarshalQdiscOptions(kind string, data []byte) (QdiscOptions, error) {
	switch kind {
	case "htb":
		var o HTB
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		return o, nil
	case "fq_codel":
		var o FQCodel
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		return o, nil
	case "sfq":
		var o SFQ
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown qdisc kind %q", kind)
	}
}

// UnmarshalClassOptions decodes class options for the given kind.
func UnmarshalClassOptions(kind string, data []byte) (ClassOptions, error) {
	switch kind {
	case "htb":
		var o HTBClass
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown class kind %q", kind)
	}
}

// UnmarshalFilterOptions decodes filter options for the given kind.
func UnmarshalFilterOptions(kind string, data []byte) (FilterOptions, error) {
	switch kind {
	case "u32":
		var o U32
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		return o, nil
	case "fw":
		return FW{}, nil
	default:
		return nil, fmt.Errorf("unknown filter kind %q", kind)
	}
}
