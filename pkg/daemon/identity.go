package daemon

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

// nodeIDSecret is the store key the durable node id lives under.
const nodeIDSecret = "node-id"

// loadOrCreateNodeID returns this node's stable uuid, minting one on first
// boot. The id survives renames; NodeName is presentation only.
func loadOrCreateNodeID(store storage.Store) (string, error) {
	raw, err := store.GetNodeSecret(nodeIDSecret)
	if err == nil {
		id := string(raw)
		if _, perr := uuid.Parse(id); perr != nil {
			return "", fmt.Errorf("stored node id %q is not a uuid: %v", id, perr)
		}
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load node id: %w", err)
	}

	id := uuid.NewString()
	if err := store.SaveNodeSecret(nodeIDSecret, []byte(id)); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}

// registerSelf refreshes this node's own row every boot: name, endpoint,
// capabilities and key hash are whatever the current config says, while
// FirstSeenAt and CreatedAt survive from the first boot.
func registerSelf(store storage.Store, sec *security.Manager, cfg *config.Config, nodeID string, caps types.Capabilities) (*types.Node, error) {
	host := discovery.AdvertiseAddress(cfg.AdvertiseAddr)
	now := time.Now().UTC()

	self := &types.Node{
		NodeID:              nodeID,
		NodeName:            cfg.NodeName,
		Endpoint:            net.JoinHostPort(host, strconv.Itoa(cfg.SyncPort)),
		RegistrationKeyHash: sec.OwnKeyHash(),
		Capabilities:        caps,
		PublicKey:           sec.PublicKeyHex(),
		State:               types.PeerStateReachable,
		FirstSeenAt:         now,
		LastSeenAt:          now,
		CreatedAt:           now,
	}

	prev, err := store.GetNode(nodeID)
	switch {
	case err == nil:
		self.FirstSeenAt = prev.FirstSeenAt
		self.CreatedAt = prev.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load own node row: %w", err)
	}

	if err := store.UpsertNode(self); err != nil {
		return nil, fmt.Errorf("register own node row: %w", err)
	}
	return self, nil
}
