package config

import "github.com/tg-mesh/ctrl/pkg/types"

// Hook runs synchronously on every user-initiated node-override write.
// Hooks never modify user layers; they only write into the
// auto-node-override document passed to them, per spec.md §4.C.5.
type Hook func(nodeName string, userDoc types.ConfigDocument, autoDoc types.ConfigDocument)

// StatusLookup is the subset of pkg/status's Index that hooks need — an
// IPv6-by-node-name resolver — kept as a narrow interface so this
// package never imports pkg/status directly (pkg/status already depends
// on pkg/broker and pkg/topology; importing it back here would make the
// two packages a cycle the moment anything in pkg/status ever needed a
// config value).
type StatusLookup interface {
	IPv6For(nodeName string) (string, bool)
}

// TunnelEndpointResolverHook implements the hook spec.md §4.C.5 names
// explicitly: when a user sets tunnelConfig.<name>.dstNodeName, resolve
// that node's current IPv6 address via the status index and write it
// into the automatic-overrides layer as tunnelConfig.<name>.dstIp.
func TunnelEndpointResolverHook(lookup StatusLookup) Hook {
	return func(nodeName string, userDoc, autoDoc types.ConfigDocument) {
		tunnels, ok := userDoc["tunnelConfig"].(types.ConfigDocument)
		if !ok {
			return
		}
		for name, v := range tunnels {
			entry, ok := v.(types.ConfigDocument)
			if !ok {
				continue
			}
			dstNodeName, ok := entry["dstNodeName"].(string)
			if !ok {
				continue
			}
			ip, found := lookup.IPv6For(dstNodeName)
			if !found {
				continue
			}
			SetPath(autoDoc, "tunnelConfig."+name+".dstIp", ip)
		}
	}
}

// RunHooks executes every registered hook in order against one user
// write.
func RunHooks(hooks []Hook, nodeName string, userDoc, autoDoc types.ConfigDocument) {
	for _, h := range hooks {
		h(nodeName, userDoc, autoDoc)
	}
}
