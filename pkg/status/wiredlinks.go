package status

import "github.com/tg-mesh/ctrl/pkg/types"

// ReconcileWiredLinks correlates two nodes' self-reported neighbor
// tables to decide whether the wired link between them is live. This is
// the supplemented behavior from original_source/.../StatusApp.cpp: a
// single node's report is not authoritative for link liveness, since a
// radio or cable fault can be asymmetric — both endpoints must agree the
// other is reachable, and both must still list the other in their
// interface-MAC table (otherwise the link has been reconfigured away
// rather than merely gone quiet).
func ReconcileWiredLinks(a, b *types.StatusReport) bool {
	if a == nil || b == nil {
		return false
	}
	if !hasMAC(a.InterfaceMACs, b.MAC) || !hasMAC(b.InterfaceMACs, a.MAC) {
		return false
	}
	aSaysLive, aKnows := a.NeighborConnections[b.MAC]
	bSaysLive, bKnows := b.NeighborConnections[a.MAC]
	if !aKnows || !bKnows {
		return false
	}
	return aSaysLive && bSaysLive
}

func hasMAC(macs []string, mac string) bool {
	for _, m := range macs {
		if m == mac {
			return true
		}
	}
	return false
}

// reconcileWiredNeighbors implements step 6 for one freshly-ingested
// report against every wired neighbor already in the index, emitting a
// set-wired-link-status request to topology for each.
func (idx *Index) reconcileWiredNeighbors(mac string, merged *types.StatusReport) {
	for neighborMAC := range merged.NeighborConnections {
		neighbor, ok := idx.Get(neighborMAC)
		if !ok {
			continue
		}
		live := ReconcileWiredLinks(merged, neighbor)
		idx.topo.SetWiredLinkStatus(mac, neighborMAC, live)
	}
}
