package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tracegate/tracegate/internal/fsutil"
)

// IndexFileName is the consolidated index under <data_root>/runtime/.
const IndexFileName = "artifact-index.json"

// indexData is the on-disk shape of the artifact index: the last known
// desired payload per connection and per peer key, plus revocation
// tombstones so an out-of-order older upsert cannot resurrect a removed
// aggregate.
type indexData struct {
	Users      map[string]json.RawMessage `json:"users"`
	WgPeers    map[string]json.RawMessage `json:"wg_peers"`
	Tombstones map[string]int64           `json:"tombstones,omitempty"`
}

func newIndexData() indexData {
	return indexData{
		Users:      map[string]json.RawMessage{},
		WgPeers:    map[string]json.RawMessage{},
		Tombstones: map[string]int64{},
	}
}

// Index is the node's source of truth between events. Every mutation
// rewrites the file atomically; a missing or corrupt file is rebuilt from a
// disk scan of the artifact directories.
type Index struct {
	mu       sync.Mutex
	dataRoot string
	path     string
	logger   *slog.Logger
	data     indexData
}

// OpenIndex loads (or rebuilds) the artifact index under dataRoot.
func OpenIndex(dataRoot string, logger *slog.Logger) (*Index, error) {
	ix := &Index{
		dataRoot: dataRoot,
		path:     filepath.Join(dataRoot, "runtime", IndexFileName),
		logger:   logger.With("component", "artifact-index"),
		data:     newIndexData(),
	}

	raw, err := os.ReadFile(ix.path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, &ix.data); jsonErr != nil {
			ix.logger.Warn("index malformed, rebuilding from disk", "error", jsonErr)
			if err := ix.rebuildLocked(); err != nil {
				return nil, err
			}
		}
	case os.IsNotExist(err):
		if err := ix.rebuildLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read index: %w", err)
	}

	if ix.data.Users == nil {
		ix.data.Users = map[string]json.RawMessage{}
	}
	if ix.data.WgPeers == nil {
		ix.data.WgPeers = map[string]json.RawMessage{}
	}
	if ix.data.Tombstones == nil {
		ix.data.Tombstones = map[string]int64{}
	}
	return ix, nil
}

// rebuildLocked scans users/ and wg-peers/ and reconstructs the index.
// Caller holds no lock requirement at open time; mutators hold mu.
func (ix *Index) rebuildLocked() error {
	data := newIndexData()

	usersDir := filepath.Join(ix.dataRoot, "users")
	entries, err := os.ReadDir(usersDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scan users: %w", err)
	}
	for _, userDir := range entries {
		if !userDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(usersDir, userDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasPrefix(name, "connection-") || !strings.HasSuffix(name, ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(usersDir, userDir.Name(), name))
			if err != nil {
				continue
			}
			connID := strings.TrimSuffix(strings.TrimPrefix(name, "connection-"), ".json")
			data.Users[connID] = json.RawMessage(raw)
		}
	}

	peersDir := filepath.Join(ix.dataRoot, "wg-peers")
	peerFiles, err := os.ReadDir(peersDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scan wg-peers: %w", err)
	}
	for _, f := range peerFiles {
		name := f.Name()
		if !strings.HasPrefix(name, "peer-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(peersDir, name))
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "peer-"), ".json")
		data.WgPeers[key] = json.RawMessage(raw)
	}

	ix.data = data
	ix.logger.Info("index rebuilt", "users", len(data.Users), "wg_peers", len(data.WgPeers))
	return ix.saveLocked()
}

func (ix *Index) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(ix.data, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(ix.path, raw, 0o644)
}

// PutUser writes the connection artifact file and records the payload in the
// index. The op_ts comparison against the known state (stored artifact or
// revocation tombstone) and both writes happen under the index lock, so an
// older payload can never land after a newer one. Reports whether the payload
// was applied.
func (ix *Index) PutUser(userID int64, connectionID string, payload json.RawMessage, opTs int64) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if known, ok := ix.userOpTsLocked(connectionID); ok && opTs < known {
		return false, nil
	}

	path := filepath.Join(ix.dataRoot, "users", fmt.Sprint(userID),
		"connection-"+connectionID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create user dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, payload, 0o644); err != nil {
		return false, fmt.Errorf("write artifact: %w", err)
	}

	ix.data.Users[connectionID] = payload
	delete(ix.data.Tombstones, connectionID)
	return true, ix.saveLocked()
}

// RemoveUser drops a single connection entry and tombstones it at opTs.
func (ix *Index) RemoveUser(connectionID string, opTs int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.data.Users, connectionID)
	if opTs > ix.data.Tombstones[connectionID] {
		ix.data.Tombstones[connectionID] = opTs
	}
	return ix.saveLocked()
}

// RemoveUserOwned drops every connection entry owned by userID, tombstoning
// each at opTs. Returns the removed connection ids.
func (ix *Index) RemoveUserOwned(userID int64, opTs int64) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var removed []string
	for connID, raw := range ix.data.Users {
		a, err := parseUserArtifact(raw)
		if err != nil || a.UserID != userID {
			continue
		}
		removed = append(removed, connID)
	}
	for _, connID := range removed {
		delete(ix.data.Users, connID)
		if opTs > ix.data.Tombstones[connID] {
			ix.data.Tombstones[connID] = opTs
		}
	}
	return removed, ix.saveLocked()
}

// PutWgPeer is PutUser for peer keys: artifact write and index update under
// the same lock as the op_ts comparison.
func (ix *Index) PutWgPeer(key string, payload json.RawMessage, opTs int64) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if known, ok := ix.wgPeerOpTsLocked(key); ok && opTs < known {
		return false, nil
	}

	path := filepath.Join(ix.dataRoot, "wg-peers", "peer-"+key+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create peers dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, payload, 0o644); err != nil {
		return false, fmt.Errorf("write artifact: %w", err)
	}

	ix.data.WgPeers[key] = payload
	delete(ix.data.Tombstones, "wg:"+key)
	return true, ix.saveLocked()
}

// RemoveWgPeer drops a peer entry and tombstones it at opTs.
func (ix *Index) RemoveWgPeer(key string, opTs int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.data.WgPeers, key)
	tomb := "wg:" + key
	if opTs > ix.data.Tombstones[tomb] {
		ix.data.Tombstones[tomb] = opTs
	}
	return ix.saveLocked()
}

// UserOpTs returns the op_ts of the stored artifact for a connection, or the
// tombstone timestamp if the connection was revoked. ok is false when the
// aggregate was never seen.
func (ix *Index) UserOpTs(connectionID string) (opTs int64, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.userOpTsLocked(connectionID)
}

func (ix *Index) userOpTsLocked(connectionID string) (int64, bool) {
	if raw, exists := ix.data.Users[connectionID]; exists {
		if a, err := parseUserArtifact(raw); err == nil {
			return a.OpTs, true
		}
	}
	if ts, exists := ix.data.Tombstones[connectionID]; exists {
		return ts, true
	}
	return 0, false
}

// WgPeerOpTs is UserOpTs for peer keys.
func (ix *Index) WgPeerOpTs(key string) (opTs int64, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.wgPeerOpTsLocked(key)
}

func (ix *Index) wgPeerOpTsLocked(key string) (int64, bool) {
	if raw, exists := ix.data.WgPeers[key]; exists {
		if a, err := parseWgPeerArtifact(raw); err == nil {
			return a.OpTs, true
		}
	}
	if ts, exists := ix.data.Tombstones["wg:"+key]; exists {
		return ts, true
	}
	return 0, false
}

// Users returns the parsed user artifacts, skipping unparseable entries.
func (ix *Index) Users() []UserArtifact {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []UserArtifact
	for _, raw := range ix.data.Users {
		if a, err := parseUserArtifact(raw); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// WgPeers returns the parsed peer artifacts.
func (ix *Index) WgPeers() []WgPeerArtifact {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []WgPeerArtifact
	for _, raw := range ix.data.WgPeers {
		if a, err := parseWgPeerArtifact(raw); err == nil {
			out = append(out, a)
		}
	}
	return out
}
