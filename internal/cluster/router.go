package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ghostveil/cluster/internal/compute"
	"github.com/ghostveil/cluster/internal/config"
	"github.com/ghostveil/cluster/internal/imagestore"
	"github.com/ghostveil/cluster/internal/observability"
	"github.com/ghostveil/cluster/internal/wire"
)

const stateSyncTimeout = 2 * time.Second

// Router dispatches reassembled logical messages by kind
// and implements the coordinator-forwarding load balancer.
type Router struct {
	self  *Peer
	peers map[uint32]string
	send  Sender

	detector *FailureDetector
	elector  *Elector

	sessions *imagestore.SessionRegistry
	images   *imagestore.Store
	computer *compute.Adapter

	log     *observability.Logger
	metrics *observability.Metrics

	loadCacheTTL time.Duration

	syncMu   sync.Mutex
	syncWait map[string]chan wire.StateSyncResponse
}

// NewRouter wires a router for self with its collaborating components.
func NewRouter(self *Peer, peers map[uint32]string, send Sender, detector *FailureDetector, elector *Elector, sessions *imagestore.SessionRegistry, images *imagestore.Store, computer *compute.Adapter, log *observability.Logger, metrics *observability.Metrics, cfg *config.Config) *Router {
	return &Router{
		self:         self,
		peers:        peers,
		send:         send,
		detector:     detector,
		elector:      elector,
		sessions:     sessions,
		images:       images,
		computer:     computer,
		log:          log,
		metrics:      metrics,
		loadCacheTTL: cfg.PeerLoadCacheTTL,
		syncWait:     make(map[string]chan wire.StateSyncResponse),
	}
}

// Self returns the peer handle this router dispatches for, for admin/test
// controls that need direct state-transition access.
func (r *Router) Self() *Peer {
	return r.self
}

// Dispatch routes one reassembled message by its kind. fromAddr is the
// source address the datagram arrived from.
func (r *Router) Dispatch(msg *wire.Message, fromAddr string) {
	if r.self.State() == StateFailed {
		return
	}

	tr := otel.Tracer("ghostveil-cluster")
	ctx, span := tr.Start(context.Background(), "router.Dispatch")
	defer span.End()

	switch msg.Kind {
	case wire.KindSessionRegister:
		r.handleSessionRegister(msg, fromAddr)
	case wire.KindSessionUnregister:
		r.handleSessionUnregister(msg)
	case wire.KindCheckUsernameAvailable:
		r.handleCheckUsername(msg, fromAddr)
	case wire.KindEncryptionRequest:
		r.handleEncryptionRequest(ctx, msg, fromAddr)
	case wire.KindSendImage:
		r.handleSendImage(msg, fromAddr)
	case wire.KindQueryReceivedImages:
		r.handleQueryReceivedImages(msg, fromAddr)
	case wire.KindViewImage:
		r.handleViewImage(msg, fromAddr)
	case wire.KindHeartbeat:
		r.handleHeartbeat(msg, fromAddr)
	case wire.KindHeartbeatAck:
		r.handleHeartbeatAck(msg)
	case wire.KindElection:
		r.handleElection(msg, fromAddr)
	case wire.KindElectionAck:
		r.handleElectionAck(msg)
	case wire.KindLoadQuery:
		r.handleLoadQuery(msg, fromAddr)
	case wire.KindLoadResponse:
		r.handleLoadResponse(msg)
	case wire.KindCoordinator:
		r.handleCoordinator(msg)
	case wire.KindCoordinatorQuery:
		r.handleCoordinatorQuery(msg, fromAddr)
	case wire.KindStateSync:
		r.handleStateSync(msg, fromAddr)
	case wire.KindStateSyncResponse:
		r.handleStateSyncResponse(msg)
	}
}

// logicalKinds carries messages that may bear an arbitrarily large byte
// payload (an image or ciphertext) and must go through the transport's
// fragmentation path rather than the small-control-message path.
var logicalKinds = map[wire.MessageKind]bool{
	wire.KindEncryptionRequest:      true,
	wire.KindEncryptionResponse:     true,
	wire.KindSendImage:              true,
	wire.KindReceivedImagesResponse: true,
	wire.KindViewImageResponse:      true,
}

func (r *Router) reply(addr string, kind wire.MessageKind, payload interface{}) {
	msg, err := wire.NewMessage(kind, payload)
	if err != nil {
		return
	}
	if logicalKinds[kind] {
		_ = r.send.SendLogical(addr, msg)
		return
	}
	_ = r.send.SendMessage(addr, msg)
}

// ---- Session management ----

func (r *Router) handleSessionRegister(msg *wire.Message, fromAddr string) {
	var req wire.SessionRegister
	if msg.Decode(&req) != nil {
		return
	}
	if err := r.sessions.Register(req.ClientID, req.Username); err != nil {
		r.reply(fromAddr, wire.KindSessionRegisterResp, wire.SessionRegisterResponse{OK: false, Error: err.Error()})
		return
	}
	r.reply(fromAddr, wire.KindSessionRegisterResp, wire.SessionRegisterResponse{OK: true})
}

func (r *Router) handleSessionUnregister(msg *wire.Message) {
	var req wire.SessionUnregister
	if msg.Decode(&req) != nil {
		return
	}
	r.sessions.Unregister(req.Username)
}

func (r *Router) handleCheckUsername(msg *wire.Message, fromAddr string) {
	var req wire.CheckUsernameAvailable
	if msg.Decode(&req) != nil {
		return
	}
	r.reply(fromAddr, wire.KindUsernameAvailableResp, wire.UsernameAvailableResponse{Available: r.sessions.Available(req.Username)})
}

// ---- Encryption request / load balancer ----

func (r *Router) handleEncryptionRequest(ctx context.Context, msg *wire.Message, fromAddr string) {
	tr := otel.Tracer("ghostveil-cluster")
	ctx, span := tr.Start(ctx, "router.handleEncryptionRequest")
	defer span.End()

	var req wire.EncryptionRequest
	if msg.Decode(&req) != nil {
		return
	}

	if req.Forwarded {
		r.self.MarkInFlight(req.RequestID)
	} else if !r.self.MarkInFlight(req.RequestID) {
		r.log.DuplicateRequestDropped(req.RequestID)
		r.metrics.RequestsDuplicateTotal.Inc()
		return
	}

	role := "direct"
	if req.Forwarded {
		role = "forwarded"
	}
	r.metrics.RecordRequestAccepted(role)
	r.self.IncActiveRequests()
	start := time.Now()
	finish := func() {
		r.self.DecActiveRequests()
		r.self.ClearInFlight(req.RequestID)
		r.metrics.RecordRequestFinished(time.Since(start).Seconds())
	}

	clientAddr := req.ClientAddress
	if clientAddr == "" {
		clientAddr = fromAddr
	}

	if req.Forwarded {
		r.executeAndReply(ctx, req, clientAddr, finish)
		return
	}

	coordID, known := r.self.CoordinatorID()
	if !known {
		coordID = r.self.ID
	}

	if coordID != r.self.ID {
		addr, ok := r.peers[coordID]
		if !ok {
			r.reply(clientAddr, wire.KindEncryptionResponse, wire.EncryptionResponse{RequestID: req.RequestID, OK: false, Error: "peer_unreachable"})
			finish()
			return
		}
		fwd := req
		fwd.Forwarded = false
		fwd.ClientAddress = clientAddr
		r.reply(addr, wire.KindEncryptionRequest, fwd)
		r.log.RequestForwarded(req.RequestID, coordID, false)
		finish()
		return
	}

	target, _ := r.findLowestLoadNode()
	if target == r.self.ID {
		r.executeAndReply(ctx, req, clientAddr, finish)
		return
	}
	addr, ok := r.peers[target]
	if !ok {
		r.executeAndReply(ctx, req, clientAddr, finish)
		return
	}
	fwd := req
	fwd.Forwarded = true
	fwd.ClientAddress = clientAddr
	r.reply(addr, wire.KindEncryptionRequest, fwd)
	r.log.RequestForwarded(req.RequestID, target, true)
	finish()
}

func (r *Router) executeAndReply(ctx context.Context, req wire.EncryptionRequest, clientAddr string, finish func()) {
	defer finish()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ciphertext, err := r.computer.Encrypt(ctx, req.Image, req.Recipients, req.Quota)
	resp := wire.EncryptionResponse{RequestID: req.RequestID}
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
	} else {
		resp.OK = true
		resp.Ciphertext = ciphertext
		r.self.IncProcessedTotal()
	}
	r.reply(clientAddr, wire.KindEncryptionResponse, resp)
}

// findLowestLoadNode scores every non-failed peer:
// 0.7*load + 0.3*(processed_total/sum_processed_total)*100, lowest wins,
// ties broken in favor of the fresher peer_load_cache entry, then by peer id.
// A cache entry older than loadCacheTTL is still scored (stale data remains
// a usable fallback) but loses tie-breaks to a fresher one.
func (r *Router) findLowestLoadNode() (uint32, float64) {
	failed := r.self.FailedPeers()
	cache := r.self.PeerLoadCache()
	now := time.Now()

	type candidate struct {
		id        uint32
		load      float64
		processed uint64
		fresh     bool
	}
	var candidates []candidate
	for id := range r.peers {
		if _, isFailed := failed[id]; isFailed {
			continue
		}
		if id == r.self.ID {
			candidates = append(candidates, candidate{id, r.self.Load(), r.self.ProcessedTotal(), true})
			continue
		}
		if entry, ok := cache[id]; ok {
			fresh := r.loadCacheTTL <= 0 || now.Sub(entry.observedAt) <= r.loadCacheTTL
			candidates = append(candidates, candidate{id, entry.load, entry.processedTotal, fresh})
		} else {
			candidates = append(candidates, candidate{id, r.self.Load(), 0, false})
		}
	}

	var totalProcessed uint64
	for _, c := range candidates {
		totalProcessed += c.processed
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	bestID := r.self.ID
	bestScore := -1.0
	bestFresh := false
	for _, c := range candidates {
		share := 0.0
		if totalProcessed > 0 {
			share = float64(c.processed) / float64(totalProcessed) * 100
		}
		score := 0.7*c.load + 0.3*share
		switch {
		case bestScore < 0 || score < bestScore:
			bestScore, bestID, bestFresh = score, c.id, c.fresh
		case score == bestScore && c.fresh && !bestFresh:
			bestID, bestFresh = c.id, c.fresh
		}
	}
	return bestID, bestScore
}

// ---- Image store ----

func (r *Router) handleSendImage(msg *wire.Message, fromAddr string) {
	var req wire.SendImage
	if msg.Decode(&req) != nil {
		return
	}
	r.images.Send(req.From, req.To, req.Ciphertext, req.MaxViews, req.ImageID)
	r.metrics.ImagesStoredTotal.Add(float64(len(req.To)))
	r.reply(fromAddr, wire.KindSendImageResponse, wire.SendImageResponse{OK: true})
}

func (r *Router) handleQueryReceivedImages(msg *wire.Message, fromAddr string) {
	var req wire.QueryReceivedImages
	if msg.Decode(&req) != nil {
		return
	}
	entries := r.images.QueryReceived(req.Username)
	summaries := make([]wire.ImageSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, wire.ImageSummary{
			ImageID:        e.ImageID,
			From:           e.From,
			RemainingViews: e.RemainingViews,
			MaxViews:       e.MaxViews,
			StoredAt:       e.StoredAt.Unix(),
		})
	}
	r.reply(fromAddr, wire.KindReceivedImagesResponse, wire.ReceivedImagesResponse{Images: summaries})
}

func (r *Router) handleViewImage(msg *wire.Message, fromAddr string) {
	var req wire.ViewImage
	if msg.Decode(&req) != nil {
		return
	}
	ciphertext, remaining, err := r.images.View(req.Username, req.ImageID)
	if err != nil {
		r.metrics.RecordImageViewed(viewErrorResult(err))
		r.reply(fromAddr, wire.KindViewImageResponse, wire.ViewImageResponse{OK: false, Error: err.Error()})
		return
	}
	r.metrics.RecordImageViewed("ok")
	r.reply(fromAddr, wire.KindViewImageResponse, wire.ViewImageResponse{OK: true, Ciphertext: ciphertext, RemainingViews: remaining})
}

func viewErrorResult(err error) string {
	switch err {
	case imagestore.ErrQuotaExhausted:
		return "quota_exhausted"
	case imagestore.ErrImageNotFound:
		return "not_found"
	case imagestore.ErrNoInbox:
		return "no_inbox"
	default:
		return "error"
	}
}

// ---- Failure detector ----

func (r *Router) handleHeartbeat(msg *wire.Message, fromAddr string) {
	var hb wire.Heartbeat
	if msg.Decode(&hb) != nil {
		return
	}
	r.detector.HandleHeartbeat(hb.FromNode, hb.Load, hb.ProcessedCount)
	r.reply(fromAddr, wire.KindHeartbeatAck, wire.HeartbeatAck{
		FromNode:       r.self.ID,
		Load:           r.self.Load(),
		ProcessedCount: r.self.ProcessedTotal(),
	})
}

func (r *Router) handleHeartbeatAck(msg *wire.Message) {
	var ack wire.HeartbeatAck
	if msg.Decode(&ack) != nil {
		return
	}
	r.detector.HandleHeartbeat(ack.FromNode, ack.Load, ack.ProcessedCount)
}

// ---- Elector ----

func (r *Router) handleElection(msg *wire.Message, fromAddr string) {
	var el wire.Election
	if msg.Decode(&el) != nil {
		return
	}
	r.reply(fromAddr, wire.KindElectionAck, wire.ElectionAck{FromNode: r.self.ID})
}

func (r *Router) handleElectionAck(msg *wire.Message) {
	var ack wire.ElectionAck
	if msg.Decode(&ack) != nil {
		return
	}
	r.elector.HandleElectionAck(ack)
}

func (r *Router) handleLoadQuery(msg *wire.Message, fromAddr string) {
	var q wire.LoadQuery
	if msg.Decode(&q) != nil {
		return
	}
	r.reply(fromAddr, wire.KindLoadResponse, wire.LoadResponse{
		NodeID:         r.self.ID,
		Load:           r.self.Load(),
		QueueLength:    uint32(r.self.ActiveRequests()),
		ProcessedCount: r.self.ProcessedTotal(),
	})
}

func (r *Router) handleLoadResponse(msg *wire.Message) {
	var resp wire.LoadResponse
	if msg.Decode(&resp) != nil {
		return
	}
	r.elector.HandleLoadResponse(resp)
}

func (r *Router) handleCoordinator(msg *wire.Message) {
	var c wire.Coordinator
	if msg.Decode(&c) != nil {
		return
	}
	if r.self.SetCoordinatorID(c.NodeID) {
		r.metrics.CoordinatorChanges.Inc()
		r.log.CoordinatorChanged(r.self.ID, c.NodeID, c.Load)
	}
}

func (r *Router) handleCoordinatorQuery(msg *wire.Message, fromAddr string) {
	var q wire.CoordinatorQuery
	if msg.Decode(&q) != nil {
		return
	}
	id, known := r.self.CoordinatorID()
	addr := r.peers[id]
	r.reply(fromAddr, wire.KindCoordinatorQueryResponse, wire.CoordinatorQueryResponse{
		CoordinatorID: id,
		Address:       addr,
		Known:         known,
	})
}

// ---- State sync (Recovering -> Active) ----

func (r *Router) handleStateSync(msg *wire.Message, fromAddr string) {
	var req wire.StateSync
	if msg.Decode(&req) != nil {
		return
	}
	loads := r.self.PeerLoadCache()
	metrics := make(map[uint32]float64, len(loads)+1)
	metrics[r.self.ID] = r.self.Load()
	for id, entry := range loads {
		metrics[id] = entry.load
	}
	coordID, _ := r.self.CoordinatorID()
	r.reply(fromAddr, wire.KindStateSyncResponse, wire.StateSyncResponse{
		CoordinatorID: coordID,
		LoadMetrics:   metrics,
		Timestamp:     time.Now().Unix(),
	})
}

func (r *Router) handleStateSyncResponse(msg *wire.Message) {
	var resp wire.StateSyncResponse
	if msg.Decode(&resp) != nil {
		return
	}
	key := correlationKey(resp.CoordinatorID)
	r.syncMu.Lock()
	ch, ok := r.syncWait[key]
	r.syncMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// RecoverSelf drives this peer's Failed -> Recovering -> Active transition.
// It blocks on a StateSync round trip with the believed coordinator before
// declaring itself Active again; if no StateSyncResponse arrives within
// stateSyncTimeout it becomes Active anyway.
func (r *Router) RecoverSelf(ctx context.Context) error {
	if err := r.self.TransitionTo(StateRecovering); err != nil {
		return err
	}

	coordID, known := r.self.CoordinatorID()
	if !known {
		coordID = r.self.ID
	}
	addr, ok := r.peers[coordID]
	if !ok || coordID == r.self.ID {
		return r.self.TransitionTo(StateActive)
	}

	key := correlationKey(coordID)
	ch := make(chan wire.StateSyncResponse, 1)
	r.syncMu.Lock()
	r.syncWait[key] = ch
	r.syncMu.Unlock()
	defer func() {
		r.syncMu.Lock()
		delete(r.syncWait, key)
		r.syncMu.Unlock()
	}()

	r.reply(addr, wire.KindStateSync, wire.StateSync{FromNode: r.self.ID})

	select {
	case <-ch:
		return r.self.TransitionTo(StateActive)
	case <-time.After(stateSyncTimeout):
		return r.self.TransitionTo(StateActive)
	case <-ctx.Done():
		return ctx.Err()
	}
}
