package server

import (
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/query"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// register adds every route. The mux tries the most recently registered
// pattern first, so literal segments are registered after the
// /settlements/{predictionId} wildcard.
func (a *api) register(mux *runtime.ServeMux) error {
	admin := routeOpts{admin: true}
	adminWrite := routeOpts{admin: true, idempotent: true}
	userWrite := routeOpts{idempotent: true}

	routes := []struct {
		method, path, name string
		opts               routeOpts
		ep                 endpoint
	}{
		{http.MethodGet, "/settlements/{predictionId}", "detail", admin, a.detail},
		{http.MethodGet, "/settlements/{predictionId}/proofs/{address}", "proof", routeOpts{}, a.proof},
		{http.MethodPost, "/settlements/{predictionId}/trigger", "trigger", adminWrite, a.trigger},
		{http.MethodPost, "/settlements/{predictionId}/sync", "sync", adminWrite, a.sync},
		{http.MethodPost, "/settlements/{predictionId}/finalize", "finalize", adminWrite, a.finalize},
		{http.MethodPost, "/settlements/{predictionId}/retry", "retry", adminWrite, a.retry},
		{http.MethodPost, "/settlements/{predictionId}/disputes", "dispute_open", userWrite, a.openDispute},
		{http.MethodGet, "/settlements/queue", "queue", admin, a.queue},
		{http.MethodGet, "/settlements/stats", "stats", admin, a.stats},
		{http.MethodGet, "/settlements/jobs", "jobs", admin, a.jobs},
		{http.MethodGet, "/settlements/disputes", "disputes", admin, a.listDisputes},
		{http.MethodPost, "/settlements/disputes/{disputeId}/review", "dispute_review", adminWrite, a.reviewDispute},
		{http.MethodPost, "/settlements/disputes/{disputeId}/resolve", "dispute_resolve", adminWrite, a.resolveDispute},
		{http.MethodPost, "/settlements/corrections/{correctionId}/apply", "correction_apply", adminWrite, a.applyCorrection},
		{http.MethodGet, "/wallets/{userId}/balance", "balance", routeOpts{}, a.balance},
		{http.MethodPost, "/webhooks/{provider}", "webhook", routeOpts{}, a.webhook},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, a.route(rt.name, rt.opts, rt.ep)); err != nil {
			return err
		}
	}
	return nil
}

// --- Request bodies ---

type triggerBody struct {
	WinningOptionID string `json:"winningOptionId"`
	ActorID         string `json:"actorId"`
}

type actionBody struct {
	ActorID string `json:"actorId"`
	Note    string `json:"note"`
	Reason  string `json:"reason"`
}

type openDisputeBody struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type resolveBody struct {
	ActorID           string `json:"actorId"`
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	CorrectedOptionID string `json:"correctedOptionId"`
}

// --- Settlement ---

func (a *api) trigger(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	var body triggerBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	option, err := parseUUID("winningOptionId", body.WinningOptionID)
	if err != nil {
		return 0, nil, err
	}
	actor, err := parseUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	rec, err := a.deps.Orchestrator.Trigger(r.Context(), pid, option, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, rec, nil
}

func (a *api) sync(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := optionalUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	rec, err := a.deps.Orchestrator.Sync(r.Context(), pid, actor, body.Note)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, rec, nil
}

func (a *api) finalize(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := optionalUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	job, err := a.deps.Finalizer.Finalize(r.Context(), pid, actor, body.Reason)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (a *api) retry(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := parseUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	job, err := a.deps.Finalizer.Retry(r.Context(), pid, &actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, job, nil
}

func (a *api) detail(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	d, err := a.deps.Orchestrator.Detail(r.Context(), pid)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, d, nil
}

func (a *api) proof(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	proof, err := a.deps.Orchestrator.Proof(r.Context(), pid, p["address"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, proof, nil
}

// --- Read side ---

func (a *api) queue(r *http.Request, _ map[string]string) (int, interface{}, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, nil, err
	}
	resp, err := a.deps.Queue.Queue(r.Context(), limit)
	if err != nil {
		return 0, nil, err
	}
	a.recordQueueDepth(resp.Items)
	return http.StatusOK, resp, nil
}

func (a *api) recordQueueDepth(items []query.QueueItem) {
	var outcome, offchain, onchain, blocked int
	for _, it := range items {
		if it.NeedsOutcome {
			outcome++
		}
		if it.NeedsOffchainSettlement {
			offchain++
		}
		if it.NeedsOnchainFinalize {
			onchain++
		}
		if it.BlockedOnAddresses {
			blocked++
		}
	}
	a.metrics.SetQueueDepth("needs_outcome", outcome)
	a.metrics.SetQueueDepth("needs_offchain", offchain)
	a.metrics.SetQueueDepth("needs_onchain", onchain)
	a.metrics.SetQueueDepth("blocked_on_addresses", blocked)
}

func (a *api) stats(r *http.Request, _ map[string]string) (int, interface{}, error) {
	st, err := a.deps.Queue.Stats(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, st, nil
}

func (a *api) jobs(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var status state.FinalizeStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := state.ParseFinalizeStatus(s)
		if err != nil {
			return 0, nil, badRequest(err.Error())
		}
		status = parsed
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, nil, err
	}
	jobs, err := a.deps.Queue.ListJobs(r.Context(), status, limit)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"jobs": jobs}, nil
}

func (a *api) balance(r *http.Request, p map[string]string) (int, interface{}, error) {
	userID, err := pathUUID(p, "userId")
	if err != nil {
		return 0, nil, err
	}
	currency := ledger.Currency(strings.ToUpper(r.URL.Query().Get("currency")))
	if currency == "" {
		currency = ledger.CurrencyUSD
	}
	bal, err := a.deps.Balances.GetBalance(r.Context(), userID, currency)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, bal, nil
}

// --- Disputes ---

func (a *api) openDispute(r *http.Request, p map[string]string) (int, interface{}, error) {
	pid, err := pathUUID(p, "predictionId")
	if err != nil {
		return 0, nil, err
	}
	var body openDisputeBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	userID, err := parseUUID("userId", body.UserID)
	if err != nil {
		return 0, nil, err
	}
	d, err := a.deps.Disputes.Open(r.Context(), pid, userID, body.Reason)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, d, nil
}

func (a *api) listDisputes(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var status state.DisputeStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := state.ParseDisputeStatus(s)
		if err != nil {
			return 0, nil, badRequest(err.Error())
		}
		status = parsed
	}
	disputes, err := a.deps.Disputes.List(r.Context(), status)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"disputes": disputes}, nil
}

func (a *api) reviewDispute(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "disputeId")
	if err != nil {
		return 0, nil, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := parseUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	d, err := a.deps.Disputes.MarkUnderReview(r.Context(), id, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, d, nil
}

func (a *api) resolveDispute(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "disputeId")
	if err != nil {
		return 0, nil, err
	}
	var body resolveBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := parseUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	action, err := settlement.ParseDisputeAction(body.Action)
	if err != nil {
		return 0, nil, err
	}
	corrected, err := optionalUUID("correctedOptionId", body.CorrectedOptionID)
	if err != nil {
		return 0, nil, err
	}
	res, err := a.deps.Disputes.Resolve(r.Context(), id, settlement.ResolveRequest{
		ActorID:           actor,
		Action:            action,
		Reason:            body.Reason,
		CorrectedOptionID: corrected,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (a *api) applyCorrection(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "correctionId")
	if err != nil {
		return 0, nil, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	actor, err := parseUUID("actorId", body.ActorID)
	if err != nil {
		return 0, nil, err
	}
	c, err := a.deps.Disputes.ApplyCorrection(r.Context(), id, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, c, nil
}

// --- Webhooks ---

// webhook is deduplicated by the processor per delivery id, not by the
// route guard.
func (a *api) webhook(r *http.Request, p map[string]string) (int, interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, badRequest("read body")
	}
	res, err := a.deps.Webhooks.Process(r.Context(), p["provider"], body)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

// --- Helpers ---

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func pathUUID(p map[string]string, name string) (uuid.UUID, error) {
	return parseUUID(name, p[name])
}

func parseUUID(name, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, badRequest(name + " is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, badRequest("invalid " + name)
	}
	return id, nil
}

func optionalUUID(name, s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := parseUUID(name, s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badRequest("invalid " + name)
	}
	return n, nil
}
