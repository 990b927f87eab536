package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/config"
	"github.com/tg-mesh/ctrl/pkg/ha"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/types"
	"github.com/tg-mesh/ctrl/pkg/upgrade"
)

// Op names the operation an inbound MsgAPIRequest asks the controller to
// perform. There is no .proto service behind this — per spec.md §4.A the
// user/API channel is "a local ROUTER socket exposing the same envelope"
// the minion and HA channels use, so Server is just another OnReceive
// registrant, not a separate transport.
type Op string

const (
	OpUpgradeSubmit      Op = "upgrade.submit"
	OpUpgradeAbortAll    Op = "upgrade.abortAll"
	OpUpgradeAbortByIDs  Op = "upgrade.abortByIds"
	OpUpgradeStatus      Op = "upgrade.status"
	OpConfigSetNetwork   Op = "config.setNetwork"
	OpConfigSetUserNode  Op = "config.setUserNode"
	OpConfigGetEffective Op = "config.getEffective"
	OpStatusGet          Op = "status.get"
	OpStatusList         Op = "status.list"
	OpHAState            Op = "ha.state"
)

// Request is the MsgAPIRequest payload. RequestID is the caller-supplied
// correlation id spec.md calls out explicitly for configuration rollouts
// and upgrades; Body is the op-specific JSON body.
type Request struct {
	RequestID string
	Op        Op
	Body      json.RawMessage
}

// Response is the MsgAPIResponse payload echoed back to RequestID.
type Response struct {
	RequestID string
	OK        bool
	Error     string          `json:",omitempty"`
	Body      json.RawMessage `json:",omitempty"`
}

// statusSource is the narrow slice of pkg/status's Index this package
// needs, kept local so pkg/api never imports pkg/status directly — the
// same avoid-an-import-cycle pattern pkg/upgrade's StatusLookup and
// pkg/ha's DataSource use.
type statusSource interface {
	Get(mac string) (*types.StatusReport, bool)
	All() []*types.StatusReport
}

// Server is the user/API channel endpoint: it decodes MsgAPIRequest
// envelopes, dispatches to the relevant component, and replies with
// MsgAPIResponse. It holds no state of its own beyond its collaborators.
type Server struct {
	b        *broker.Broker
	upgrade  *upgrade.Service
	resolver *config.Resolver
	status   statusSource
	ha       *ha.Replicator
	log      zerolog.Logger

	// ReadOnly restricts this Server to the Op prefixes IsReadOnlyOp
	// allows — set on a second Server wired to a restricted listener
	// (e.g. a loopback CLI socket with no mTLS), while the primary
	// Server on the authenticated user/API channel leaves it false.
	ReadOnly bool
}

// NewServer wires a Server to b and registers its MsgAPIRequest handler.
func NewServer(b *broker.Broker, upg *upgrade.Service, resolver *config.Resolver, status statusSource, replicator *ha.Replicator) *Server {
	s := &Server{
		b:        b,
		upgrade:  upg,
		resolver: resolver,
		status:   status,
		ha:       replicator,
		log:      log.WithComponent("api"),
	}
	if b != nil {
		b.OnReceive(broker.MsgAPIRequest, s.onRequest)
	}
	return s
}

func (s *Server) onRequest(_, senderApp string, env *broker.Envelope) {
	var req Request
	if err := broker.DecodePayload(env, &req); err != nil {
		s.reply(senderApp, Response{Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.handle(req)
	resp.RequestID = req.RequestID
	s.reply(senderApp, resp)
}

// handle dispatches one decoded Request to its component and returns the
// Response, without touching the broker — kept separate from onRequest
// so it can be exercised directly in tests with no transport involved.
func (s *Server) handle(req Request) Response {
	if s.ReadOnly && !IsReadOnlyOp(req.Op) {
		return Response{Error: "write operation " + string(req.Op) + " not allowed on this listener"}
	}

	var resp Response
	switch req.Op {
	case OpUpgradeSubmit:
		resp = s.handleUpgradeSubmit(req)
	case OpUpgradeAbortAll:
		s.upgrade.AbortAll()
		resp = Response{OK: true}
	case OpUpgradeAbortByIDs:
		resp = s.handleUpgradeAbortByIDs(req)
	case OpUpgradeStatus:
		resp = ok(s.upgrade.Status())
	case OpConfigSetNetwork:
		resp = s.handleConfigSetNetwork(req)
	case OpConfigSetUserNode:
		resp = s.handleConfigSetUserNode(req)
	case OpConfigGetEffective:
		resp = s.handleConfigGetEffective(req)
	case OpStatusGet:
		resp = s.handleStatusGet(req)
	case OpStatusList:
		resp = ok(s.status.All())
	case OpHAState:
		resp = s.handleHAState(req)
	default:
		resp = Response{Error: "unknown op: " + string(req.Op)}
	}
	return resp
}

func (s *Server) reply(destApp string, resp Response) {
	if !resp.OK && resp.Error == "" {
		resp.OK = true
	}
	env := &broker.Envelope{Type: broker.MsgAPIResponse, Channel: broker.ChannelUser}
	if err := broker.EncodePayload(env, resp); err != nil {
		s.log.Error().Err(err).Msg("api: failed to encode response")
		return
	}
	s.b.Send(destApp, env)
}

func ok(body interface{}) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Body: raw}
}

func fail(err error) Response {
	return Response{Error: err.Error()}
}

// --- upgrade ---

func (s *Server) handleUpgradeSubmit(req Request) Response {
	if s.upgrade == nil {
		return Response{Error: "upgrade orchestrator not wired"}
	}
	var ureq types.UpgradeRequest
	if err := json.Unmarshal(req.Body, &ureq); err != nil {
		return fail(err)
	}
	if ureq.ID == "" {
		ureq.ID = uuid.NewString()
	}
	groupIDs, err := s.upgrade.Enqueue(ureq)
	if err != nil {
		return fail(err)
	}
	return ok(struct{ IDs []string }{IDs: groupIDs})
}

func (s *Server) handleUpgradeAbortByIDs(req Request) Response {
	var body struct{ IDs []string }
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fail(err)
	}
	s.upgrade.AbortByIDs(body.IDs)
	return Response{OK: true}
}

// --- config ---

func (s *Server) handleConfigSetNetwork(req Request) Response {
	var doc types.ConfigDocument
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return fail(err)
	}
	errs, err := s.resolver.SetNetworkOverride(doc, time.Now())
	if err != nil {
		return fail(err)
	}
	if len(errs) > 0 {
		return ok(struct{ ValidationErrors []config.ValidationError }{errs})
	}
	return Response{OK: true}
}

func (s *Server) handleConfigSetUserNode(req Request) Response {
	var body struct {
		NodeName string
		Doc      types.ConfigDocument
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fail(err)
	}
	errs, err := s.resolver.SetUserNodeOverride(body.NodeName, body.Doc, time.Now())
	if err != nil {
		return fail(err)
	}
	if len(errs) > 0 {
		return ok(struct{ ValidationErrors []config.ValidationError }{errs})
	}
	return Response{OK: true}
}

func (s *Server) handleConfigGetEffective(req Request) Response {
	var body struct{ NodeName string }
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fail(err)
	}
	var report *types.StatusReport
	for _, r := range s.status.All() {
		if r.NodeName == body.NodeName {
			report = r
			break
		}
	}
	if report == nil {
		return Response{Error: "unknown node: " + body.NodeName}
	}
	return ok(s.resolver.Resolve(report))
}

// --- status ---

func (s *Server) handleStatusGet(req Request) Response {
	var body struct{ MAC string }
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fail(err)
	}
	report, found := s.status.Get(body.MAC)
	if !found {
		return Response{Error: "unknown node: " + body.MAC}
	}
	return ok(report)
}

// --- ha ---

func (s *Server) handleHAState(req Request) Response {
	if s.ha == nil {
		return Response{Error: "ha replicator not wired"}
	}
	return ok(struct {
		State    ha.State
		IsActive bool
	}{State: s.ha.State(), IsActive: s.ha.IsActive()})
}
