// Package federation routes slot operations across a small cluster of
// nodes. The registry is a YAML file listing peers; slot references are
// either bare ("slot1", local) or qualified ("node_b::slot1"). Remote
// operations are forwarded over HTTP with a bearer token.
package federation

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/types"
)

// ForwardTimeout bounds a remote call, sized to cover a slow slot
// operation without holding UI requests forever.
const ForwardTimeout = 12 * time.Second

// localAliases all resolve to the local node.
var localAliases = map[string]bool{
	"": true, "local": true, "node_local": true,
}

// SlotRef is a parsed slot reference.
type SlotRef struct {
	NodeID string // "" means local
	SlotID string
}

// Local reports whether the ref targets this node.
func (r SlotRef) Local() bool {
	return r.NodeID == ""
}

// ParseSlotRef splits "node::slot" references. A bare slot id is local.
func ParseSlotRef(ref, localNodeID string) (SlotRef, error) {
	parts := strings.SplitN(ref, "::", 2)
	if len(parts) == 1 {
		return SlotRef{SlotID: parts[0]}, nil
	}
	node, slot := parts[0], parts[1]
	if slot == "" || strings.Contains(slot, "::") {
		return SlotRef{}, fmt.Errorf("invalid slot reference %q", ref)
	}
	if localAliases[node] || node == localNodeID {
		return SlotRef{SlotID: slot}, nil
	}
	return SlotRef{NodeID: node, SlotID: slot}, nil
}

// Registry holds the cluster topology loaded from nodes.yml.
type Registry struct {
	mu          sync.RWMutex
	localNodeID string
	localName   string
	nodes       map[string]types.Node

	authn  *auth.Authenticator
	client *http.Client
	logger zerolog.Logger
}

type nodesFile struct {
	Nodes []types.Node `yaml:"nodes"`
}

// NewRegistry loads path. A missing file yields a single-node registry.
// authn mints forwarding tokens when a peer entry has none.
func NewRegistry(path, localNodeID, localName string, authn *auth.Authenticator) (*Registry, error) {
	r := &Registry{
		localNodeID: localNodeID,
		localName:   localName,
		nodes:       make(map[string]types.Node),
		authn:       authn,
		client:      &http.Client{Timeout: ForwardTimeout},
		logger:      log.WithComponent("federation"),
	}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read node registry: %w", err)
	}
	var file nodesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse node registry: %w", err)
	}
	for _, node := range file.Nodes {
		if node.NodeID == "" {
			continue
		}
		r.nodes[node.NodeID] = node
	}
	r.logger.Info().
		Int("peers", len(r.nodes)).
		Str("node_id", localNodeID).
		Msg("Node registry loaded")
	return r, nil
}

// IsLocal reports whether nodeID names this node, including the local
// aliases.
func (r *Registry) IsLocal(nodeID string) bool {
	return localAliases[nodeID] || nodeID == r.localNodeID
}

// LocalNode describes this node.
func (r *Registry) LocalNode() types.Node {
	return types.Node{NodeID: r.localNodeID, NodeName: r.localName}
}

// Nodes lists the local node followed by peers.
func (r *Registry) Nodes() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []types.Node{r.LocalNode()}
	for _, node := range r.nodes {
		if node.NodeID == r.localNodeID {
			continue
		}
		out = append(out, node)
	}
	return out
}

// Lookup finds a peer by id.
func (r *Registry) Lookup(nodeID string) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	return node, ok
}

// tokenFor picks the peer's configured token, falling back to a
// freshly minted admin token when auth is enabled.
func (r *Registry) tokenFor(node types.Node) string {
	if node.Token != "" {
		return node.Token
	}
	if r.authn != nil && r.authn.Enabled() {
		if tok, err := r.authn.Mint("federation:"+r.localNodeID, auth.RoleAdmin, nil); err == nil {
			return tok
		}
	}
	return ""
}

// Forward proxies method/path (plus body) to a peer and copies the
// response onto w. Transport failures become 502s; the peer's own
// status codes pass through untouched.
func (r *Registry) Forward(w http.ResponseWriter, req *http.Request, nodeID, path string, body io.Reader) {
	node, ok := r.Lookup(nodeID)
	if !ok || node.BaseURL == "" {
		http.Error(w, fmt.Sprintf(`{"error":"unknown node %q"}`, nodeID), http.StatusBadGateway)
		return
	}

	target := strings.TrimRight(node.BaseURL, "/") + path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, body)
	if err != nil {
		http.Error(w, `{"error":"failed to build forward request"}`, http.StatusInternalServerError)
		return
	}
	out.Header.Set("Content-Type", req.Header.Get("Content-Type"))
	if tok := r.tokenFor(node); tok != "" {
		out.Header.Set("Authorization", "Bearer "+tok)
	}
	if host, _, ok := strings.Cut(req.RemoteAddr, ":"); ok {
		out.Header.Set("X-Forwarded-For", host)
	}
	out.Header.Set("X-Forwarded-Host", req.Host)
	out.Header.Set("X-Leadhive-Origin-Node", r.localNodeID)

	resp, err := r.client.Do(out)
	if err != nil {
		metrics.ForwardErrors.WithLabelValues(nodeID).Inc()
		r.logger.Warn().
			Err(err).
			Str("node_id", nodeID).
			Str("path", path).
			Msg("Forward failed")
		http.Error(w, fmt.Sprintf(`{"error":"node %s unreachable"}`, nodeID), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
