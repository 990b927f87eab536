// Package types defines the core data structures shared across the
// controller: node identity, status reports, layered configuration,
// the image catalog, and upgrade requests/batches.
package types

import "time"

// NodeType distinguishes distribution nodes from client nodes.
type NodeType string

const (
	NodeTypeDistribution NodeType = "distribution"
	NodeTypeClient       NodeType = "client"
)

// NodeAdminStatus is the administrative status of a node in the topology.
type NodeAdminStatus string

const (
	NodeStatusOffline         NodeAdminStatus = "OFFLINE"
	NodeStatusOnline          NodeAdminStatus = "ONLINE"
	NodeStatusOnlineInitiator NodeAdminStatus = "ONLINE_INITIATOR"
)

// Node is a topology node keyed by its primary hardware (MAC) address.
// The primary MAC is unique across the topology; each radio MAC belongs
// to at most one node.
type Node struct {
	MAC          string // canonical lower-case colon-separated primary MAC
	Name         string // unique within the topology
	Type         NodeType
	RadioMACs    []string
	SoftwareVer  string
	FirmwareVer  string
	HardwareVer  string
	HardwareBoardID string
	Status       NodeAdminStatus
	PopNode      bool // gateway (POP) node: has BGP peering
}

// UpgradeSubstatus is the minion-reported upgrade progress state.
type UpgradeSubstatus string

const (
	UpgradeSubstatusIdle             UpgradeSubstatus = "idle"
	UpgradeSubstatusDownloading      UpgradeSubstatus = "downloading"
	UpgradeSubstatusReadyToCommit    UpgradeSubstatus = "ready_to_commit"
	UpgradeSubstatusFailed           UpgradeSubstatus = "failed"
)

// StatusReport is the authoritative per-node health/version record held
// by the status index (component B).
type StatusReport struct {
	MAC      string
	NodeName string

	LastReportAt        time.Time
	LastReportMonotonic  time.Duration
	LastFullReportAt     time.Time

	SelfStatus NodeAdminStatus

	SoftwareVer     string
	FirmwareVer     string
	HardwareBoardID string
	InterfaceMACs   []string // interface -> MAC table, flattened to the MACs known

	// NeighborConnections maps this node's wireless neighbor MAC to
	// whether the link is currently reported alive.
	NeighborConnections map[string]bool

	BGPPeerCount    int
	HasBGPPeerCount bool // distinguishes "0 peers reported" from "not a gateway"

	ConfigHash       string // hash of the minion's active effective config
	UpgradeSubstatus UpgradeSubstatus

	// IPv6Address is the node's current overlay/tunnel-endpoint address,
	// consumed by config hooks (tunnelConfig.<name>.dstIp resolution).
	IPv6Address string
}

// PartialReportFields lists which static fields an incoming report
// supplied; omitted ones are inherited from the cached report.
type PartialReportFields struct {
	HasSoftwareVer     bool
	HasFirmwareVer     bool
	HasHardwareBoardID bool
	HasInterfaceMACs   bool
}

// IncomingStatusReport is what a minion sends on the wire; zero-valued
// static fields are ambiguous with "omitted", so Present records which
// ones were actually set.
type IncomingStatusReport struct {
	StatusReport
	Present             PartialReportFields
	NodeGPSTime         time.Time // minion-reported GPS wall time
	IsFullReport         bool
}

// StatusAck is returned to the minion in response to a status report.
type StatusAck struct {
	RequestFullStatusReport bool
}

// LinkStatusRequest asks a minion to report the live/dead state of one
// of its wireless links, identified by the neighbor's radio MAC.
type LinkStatusRequest struct {
	ResponderMAC string
}

// --- Configuration layers (component C) ---

// ConfigDocument is a tree of key -> value, where value may itself be
// a nested ConfigDocument (object), a scalar, or an array. Overlays are
// deep-merged object-wise; scalars/arrays are replaced wholesale.
type ConfigDocument map[string]interface{}

// ConfigLayerKind names the six layers in overlay precedence order.
type ConfigLayerKind int

const (
	LayerBase ConfigLayerKind = iota
	LayerFirmwareBase
	LayerHardwareBase
	LayerNetworkOverride
	LayerUserNodeOverride
	LayerAutoNodeOverride
)

// MetadataAction is the action required when a config key changes.
type MetadataAction string

const (
	ActionNone           MetadataAction = "none"
	ActionReloadMinion   MetadataAction = "reload_minion"
	ActionRestartService MetadataAction = "restart_service"
)

// actionSeverity orders actions by disruptiveness so the most
// disruptive action required across a set of changed keys wins.
var actionSeverity = map[MetadataAction]int{
	ActionNone:           0,
	ActionRestartService: 1,
	ActionReloadMinion:   2,
}

// MoreDisruptive reports whether a is strictly more disruptive than b.
func (a MetadataAction) MoreDisruptive(b MetadataAction) bool {
	return actionSeverity[a] > actionSeverity[b]
}

// MetadataEntry describes validation and change-handling rules for one
// dotted config path.
type MetadataEntry struct {
	Path        string
	Type        string // "bool", "int", "float", "string", "object", "array"
	Constraints map[string]interface{}
	Action      MetadataAction
	Strict      bool // when true, unrecognised values under this path are rejected
	Deprecated  bool
}

// --- Image catalog (component D) ---

// Image is one entry in the upgrade image catalog.
type Image struct {
	Version           string // unique key
	LocalPath         string
	MD5               string // of the payload, excluding the signed header
	HardwareBoardIDs  []string
	MagnetURI         string
	MirrorURL         string // optional HTTP(S) mirror
}

// --- Upgrade requests and batches (component D) ---

// UpgradeReqType is the kind of upgrade request.
type UpgradeReqType string

const (
	UpgradeReqPrepare UpgradeReqType = "PREPARE"
	UpgradeReqCommit  UpgradeReqType = "COMMIT"
	UpgradeReqFull    UpgradeReqType = "FULL"
	UpgradeReqReset   UpgradeReqType = "RESET"
)

// FailurePolicy controls what happens when recovery fails.
type FailurePolicy string

const (
	FailurePolicySkipFailure    FailurePolicy = "skipFailure"
	FailurePolicySkipPopFailure FailurePolicy = "skipPopFailure"
)

// UpgradeGroupReq is the user-visible unit of work: the "inner,
// minion-bound payload" of spec.md §3.
type UpgradeGroupReq struct {
	ImageMD5       string
	ImageURI       string
	TorrentParams  map[string]string
}

// UpgradeRequest is a user-supplied upgrade request.
type UpgradeRequest struct {
	ID             string
	Nodes          []string // explicit node list; empty + UseAllNodes means network-minus-exclusions
	UseAllNodes    bool
	Exclusions     []string
	Type           UpgradeReqType
	Limit          int // parallelism (PREPARE) or commit batch size limit (COMMIT); 0 = unbounded, <0 = skip topology-aware selection
	Timeout        time.Duration
	RetryLimit     int
	FailurePolicy  FailurePolicy
	LinkIgnoreSet  []string
	Payload        UpgradeGroupReq

	// FullUpgradeGroup links a PREPARE and COMMIT expanded from the
	// same FULL request, so cancellation/inspection can treat them
	// as one logical unit.
	FullUpgradeGroup string
}

// NodeUpgradeState is a node's progress within the current batch.
type NodeUpgradeState string

const (
	NodeUpgradeNew         NodeUpgradeState = "NEW"
	NodeUpgradeSent        NodeUpgradeState = "SENT"
	NodeUpgradeInProgress  NodeUpgradeState = "IN_PROGRESS"
	NodeUpgradePrepared    NodeUpgradeState = "PREPARED"
	NodeUpgradeCommitted   NodeUpgradeState = "COMMITTED"
	NodeUpgradeFailed      NodeUpgradeState = "FAILED"
)

// UpgradeBatch is the runtime slice of a request currently in flight.
type UpgradeBatch struct {
	RequestID string
	Type      UpgradeReqType

	Nodes map[string]NodeUpgradeState

	// DeadLinksAtStart snapshots each selected node's dead wireless
	// links at batch start/commit time, to be ignored during recovery
	// checks (spec.md §4.D.5).
	DeadLinksAtStart map[string]map[string]bool

	// BGPBaseline snapshots gateway BGP peer counts at commit time.
	BGPBaseline map[string]int

	StartedAt time.Time
	Deadline  time.Time

	// RetryCount is batch-scoped: a node's retries in this batch do
	// not carry over to a later batch of the same request (see
	// SPEC_FULL.md §5, grounded on UpgradeApp.cpp).
	RetryCount map[string]int
}

// HAState is the tagged value of the HA finite state machine.
type HAState string

const (
	HAStatePrimary HAState = "PRIMARY"
	HAStateBackup  HAState = "BACKUP"
	HAStateActive  HAState = "ACTIVE"
	HAStatePassive HAState = "PASSIVE"
	HAStateStart   HAState = "START"
)

// HAEvent is a peer-observed state or local tick driving the FSM.
type HAEvent string

const (
	HAEventPeerPrimary     HAEvent = "PEER_PRIMARY"
	HAEventPeerBackup      HAEvent = "PEER_BACKUP"
	HAEventPeerActive      HAEvent = "PEER_ACTIVE"
	HAEventPeerPassive     HAEvent = "PEER_PASSIVE"
	HAEventClientRequest   HAEvent = "CLIENT_REQUEST"
	HAEventPeerExpired     HAEvent = "PEER_EXPIRED"
)
