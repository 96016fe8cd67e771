package discovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

const (
	// Magic prefixes every announcement so foreign datagrams on the same
	// port are rejected cheaply.
	Magic = "DSYNC1"

	// MaxDatagramSize bounds announcement frames well under the usual
	// ethernet MTU so they never fragment.
	MaxDatagramSize = 1400
)

// Announcement is one discovery datagram: who this node is, where its sync
// listener lives, and what it can do. The key hash lets receivers drop
// announcements from nodes registered under a different cluster key without
// ever exchanging the key itself.
type Announcement struct {
	Magic               string             `json:"magic"`
	NodeID              string             `json:"nodeId"`
	NodeName            string             `json:"nodeName"`
	Endpoint            string             `json:"endpoint"`
	Capabilities        types.Capabilities `json:"capabilities"`
	RegistrationKeyHash string             `json:"registrationKeyHash"`
	AnnouncedAt         time.Time          `json:"announcedAt"`
}

// EncodeAnnouncement serializes an announcement for the wire.
func EncodeAnnouncement(ann *Announcement) ([]byte, error) {
	ann.Magic = Magic
	data, err := json.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("failed to encode announcement: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement too large: %d bytes (max %d)", len(data), MaxDatagramSize)
	}
	return data, nil
}

// DecodeAnnouncement parses and validates one datagram.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("failed to decode announcement: %w", err)
	}
	if ann.Magic != Magic {
		return nil, fmt.Errorf("unexpected magic %q", ann.Magic)
	}
	if ann.NodeID == "" {
		return nil, fmt.Errorf("announcement missing node id")
	}
	if ann.Endpoint == "" {
		return nil, fmt.Errorf("announcement missing endpoint")
	}
	return &ann, nil
}
