package config

import (
	"time"

	"github.com/tg-mesh/ctrl/pkg/types"
)

const (
	docNetwork  = "network"
	docUserNode = "user-node"
	docAutoNode = "auto-node"
)

// Resolver ties the on-disk override documents and the version-matched
// base catalogs together into the six-layer overlay of spec.md §3.
type Resolver struct {
	store    *DocumentStore
	catalogs *Catalogs
	metadata Catalog
	hooks    []Hook

	network  types.ConfigDocument
	userNode types.ConfigDocument // node name -> ConfigDocument
	autoNode types.ConfigDocument // node name -> ConfigDocument
}

// NewResolver loads the three override documents from store and returns
// a ready Resolver.
func NewResolver(store *DocumentStore, catalogs *Catalogs, metadata Catalog, hooks []Hook) (*Resolver, error) {
	network, err := store.Load(docNetwork)
	if err != nil {
		return nil, err
	}
	userNode, err := store.Load(docUserNode)
	if err != nil {
		return nil, err
	}
	autoNode, err := store.Load(docAutoNode)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		catalogs: catalogs,
		metadata: metadata,
		hooks:    hooks,
		network:  network,
		userNode: userNode,
		autoNode: autoNode,
	}, nil
}

func subDoc(doc types.ConfigDocument, nodeName string) types.ConfigDocument {
	v, ok := doc[nodeName]
	if !ok {
		return types.ConfigDocument{}
	}
	sub, ok := v.(types.ConfigDocument)
	if !ok {
		return types.ConfigDocument{}
	}
	return sub
}

// Layers builds the six-layer stack for one node.
func (r *Resolver) Layers(node *types.StatusReport) Layers {
	return Layers{
		Base:             r.catalogs.ResolveBase(node.SoftwareVer),
		FirmwareBase:     r.catalogs.ResolveFirmware(node.FirmwareVer),
		HardwareBase:     r.catalogs.ResolveHardware(node.HardwareBoardID),
		NetworkOverride:  r.network,
		UserNodeOverride: subDoc(r.userNode, node.NodeName),
		AutoNodeOverride: subDoc(r.autoNode, node.NodeName),
	}
}

// ResolveResult bundles a node's effective config with the diagnostics
// needed to decide whether it is managed and whether pushing a delta is
// even permitted.
type ResolveResult struct {
	Effective     types.ConfigDocument
	Layers        Layers
	ValidationErrs []ValidationError
	Managed       bool
}

// Resolve computes the full spec.md §4.C.2/§4.C.3 result for one node.
func (r *Resolver) Resolve(node *types.StatusReport) ResolveResult {
	layers := r.Layers(node)
	effective := layers.Effective()
	errs := r.metadata.Validate(effective)
	managed := IsManaged(len(layers.Base) == 0, r.metadata.HasStrictErrors(errs), effective)
	return ResolveResult{Effective: effective, Layers: layers, ValidationErrs: errs, Managed: managed}
}

// SetUserNodeOverride validates and persists a user-initiated override
// write for one node, running registered hooks against the resulting
// automatic-overrides document, per spec.md §4.C.5/§4.C.6. A non-nil
// error means the write was rejected and nothing was persisted.
func (r *Resolver) SetUserNodeOverride(nodeName string, doc types.ConfigDocument, now time.Time) ([]ValidationError, error) {
	if errs := r.metadata.Validate(doc); r.metadata.HasStrictErrors(errs) {
		return errs, nil
	}

	r.userNode[nodeName] = doc
	if err := r.store.SaveUserWrite(docUserNode, r.userNode, now); err != nil {
		return nil, err
	}

	autoDoc := subDoc(r.autoNode, nodeName)
	RunHooks(r.hooks, nodeName, doc, autoDoc)
	r.autoNode[nodeName] = autoDoc
	if err := r.store.SaveAuto(docAutoNode, r.autoNode); err != nil {
		return nil, err
	}
	return nil, nil
}

// SetNetworkOverride validates and persists a user-initiated write to
// the network-wide override document.
func (r *Resolver) SetNetworkOverride(doc types.ConfigDocument, now time.Time) ([]ValidationError, error) {
	if errs := r.metadata.Validate(doc); r.metadata.HasStrictErrors(errs) {
		return errs, nil
	}
	r.network = doc
	if err := r.store.SaveUserWrite(docNetwork, r.network, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// UserNodeOverride returns the current persisted user override for a
// node, for diffing against a proposed write.
func (r *Resolver) UserNodeOverride(nodeName string) types.ConfigDocument {
	return subDoc(r.userNode, nodeName)
}

// RefreshTunnelEndpoints re-runs every node's hooks against its current
// user overrides and persists the result. Any tunnelConfig entry whose
// dstNodeName is changedNodeName picks up its freshly reported IPv6
// address via TunnelEndpointResolverHook; this is spec.md §4.C.5's
// update-tunnel-config request, triggered by §4.B step 5's IP-change
// detection rather than a user write.
func (r *Resolver) RefreshTunnelEndpoints(changedNodeName string) error {
	for nodeName, v := range r.userNode {
		userDoc, ok := v.(types.ConfigDocument)
		if !ok {
			continue
		}
		autoDoc := subDoc(r.autoNode, nodeName)
		RunHooks(r.hooks, nodeName, userDoc, autoDoc)
		r.autoNode[nodeName] = autoDoc
	}
	return r.store.SaveAuto(docAutoNode, r.autoNode)
}
