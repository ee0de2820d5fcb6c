// Package httpapi exposes the credit engine over HTTP.
package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	agentdom "github.com/AgentHive-Network/credit_layer/internal/domain/agent"
	"github.com/AgentHive-Network/credit_layer/internal/domain/revenue"
	"github.com/AgentHive-Network/credit_layer/internal/domain/user"
	walletdom "github.com/AgentHive-Network/credit_layer/internal/domain/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/metrics"
	"github.com/AgentHive-Network/credit_layer/internal/services/fees"
	ledgersvc "github.com/AgentHive-Network/credit_layer/internal/services/ledger"
	walletsvc "github.com/AgentHive-Network/credit_layer/internal/services/wallet"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Services bundles what the handlers call into.
type Services struct {
	Users   storage.UserStore
	Agents  storage.AgentStore
	Ledger  storage.LedgerStore
	Revenue storage.RevenueStore
	Wallets storage.WalletStore

	Wallet    *walletsvc.Service
	Accounts  *ledgersvc.Service
	Collector *fees.Collector
}

type handler struct {
	services   Services
	adminToken string
	log        *logger.Logger
}

// NewHandler builds the engine's HTTP routes. adminToken guards the
// operator endpoints; an empty token disables them.
func NewHandler(services Services, adminToken string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{services: services, adminToken: adminToken, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/users", h.requireAdmin(h.createUser)).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/wallet", h.ensureWallet).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/wallet", h.getWallet).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/withdrawals", h.requestWithdrawal).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/agents", h.listUserAgents).Methods(http.MethodGet)

	r.HandleFunc("/agents", h.spawnAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents", h.listAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", h.getAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/refresh", h.requireAdmin(h.refreshAgent)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/activity", h.recordActivity).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/transactions", h.listTransactions).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/verify", h.requireAdmin(h.verifyAgent)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/collect", h.requireAdmin(h.collectFee)).Methods(http.MethodPost)

	r.HandleFunc("/revenue", h.requireAdmin(h.listRevenue)).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("admin endpoints not configured"))
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid admin token"))
			return
		}
		next(w, r)
	}
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- users -----------------------------------------------------------------

type userView struct {
	ID            string    `json:"id"`
	Premium       string    `json:"premium"`
	CreditBalance float64   `json:"credit_balance"`
	HasAutomaton  bool      `json:"has_automaton"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserView(u user.User) userView {
	return userView{
		ID:            u.ID,
		Premium:       string(u.Premium),
		CreditBalance: u.CreditBalance,
		HasAutomaton:  u.HasAutomaton,
		CreatedAt:     u.CreatedAt,
	}
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID           string  `json:"id"`
		Premium      string  `json:"premium"`
		HasAutomaton bool    `json:"has_automaton"`
		Credits      float64 `json:"credits"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	premium := user.PremiumTier(payload.Premium)
	if premium == "" {
		premium = user.TierNone
	}
	created, err := h.services.Users.CreateUser(r.Context(), user.User{
		ID:            payload.ID,
		Premium:       premium,
		HasAutomaton:  payload.HasAutomaton,
		CreditBalance: payload.Credits,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserView(created))
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.services.Users.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(u))
}

// --- wallets ---------------------------------------------------------------

type walletView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	DepositAddress string    `json:"deposit_address"`
	BalanceStable  float64   `json:"balance_stable"`
	CreditedTotal  float64   `json:"credited_total"`
	TotalDeposited float64   `json:"total_deposited"`
	TotalSpent     float64   `json:"total_spent"`
	CreatedAt      time.Time `json:"created_at"`
}

func toWalletView(w walletdom.CustodialWallet) walletView {
	return walletView{
		ID:             w.ID,
		UserID:         w.UserID,
		AgentID:        w.AgentID,
		DepositAddress: w.DepositAddress,
		BalanceStable:  w.BalanceStable,
		CreditedTotal:  w.CreditedTotal,
		TotalDeposited: w.TotalDeposited,
		TotalSpent:     w.TotalSpent,
		CreatedAt:      w.CreatedAt,
	}
}

func (h *handler) ensureWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.services.Wallet.EnsureWallet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletView(wallet))
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.services.Wallets.GetUserWallet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletView(wallet))
}

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Destination string  `json:"destination"`
		Credits     float64 `json:"credits"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Destination == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("destination is required"))
		return
	}
	out, err := h.services.Wallet.RequestWithdrawal(r.Context(), mux.Vars(r)["id"], payload.Destination, payload.Credits)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txid":        out.TxID,
		"credits":     out.GrossCredits,
		"fee_credits": out.FeeCredits,
		"net_tokens":  out.NetTokens,
	})
}

// --- agents ----------------------------------------------------------------

type agentView struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	DepositAddress    string    `json:"deposit_address"`
	CreditBalance     float64   `json:"credit_balance"`
	Status            string    `json:"status"`
	Tier              string    `json:"tier,omitempty"`
	RuntimeDays       float64   `json:"runtime_days,omitempty"`
	TotalEarnings     float64   `json:"total_earnings"`
	TotalExpenses     float64   `json:"total_expenses"`
	TotalChildRevenue float64   `json:"total_child_revenue"`
	ParentID          string    `json:"parent_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
}

func toAgentView(a agentdom.Agent) agentView {
	return agentView{
		ID:                a.ID,
		UserID:            a.UserID,
		Name:              a.Name,
		DepositAddress:    a.DepositAddress,
		CreditBalance:     a.CreditBalance,
		Status:            string(a.Status),
		TotalEarnings:     a.TotalEarnings,
		TotalExpenses:     a.TotalExpenses,
		TotalChildRevenue: a.TotalChildRevenue,
		ParentID:          a.ParentID,
		CreatedAt:         a.CreatedAt,
		LastActiveAt:      a.LastActiveAt,
	}
}

func toReportView(rep ledgersvc.Report) agentView {
	v := toAgentView(rep.Agent)
	v.Tier = string(rep.Tier)
	v.RuntimeDays = rep.RuntimeDays
	return v
}

func (h *handler) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID   string `json:"user_id"`
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}
	created, err := h.services.Accounts.Spawn(r.Context(), payload.UserID, payload.Name, payload.ParentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentView(created))
}

func (h *handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.services.Agents.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) listUserAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.services.Agents.ListAgentsByUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getAgent(w http.ResponseWriter, r *http.Request) {
	rep, err := h.services.Accounts.Describe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportView(rep))
}

func (h *handler) refreshAgent(w http.ResponseWriter, r *http.Request) {
	rep, err := h.services.Accounts.RefreshStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportView(rep))
}

func (h *handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Earned float64 `json:"earned"`
		Spent  float64 `json:"spent"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := h.services.Accounts.RecordActivity(r.Context(), mux.Vars(r)["id"], payload.Earned, payload.Spent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(a))
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.services.Ledger.ListTransactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type txView struct {
		ID          string    `json:"id"`
		Kind        string    `json:"kind"`
		Amount      float64   `json:"amount"`
		Description string    `json:"description"`
		CreatedAt   time.Time `json:"created_at"`
	}
	views := make([]txView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, txView{
			ID:          tx.ID,
			Kind:        string(tx.Kind),
			Amount:      tx.Amount,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) verifyAgent(w http.ResponseWriter, r *http.Request) {
	v, err := h.services.Accounts.VerifyAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil && v.AgentID == "" {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":   v.AgentID,
		"balance":    v.Balance,
		"ledger_sum": v.LedgerSum,
		"consistent": v.Consistent,
	})
}

func (h *handler) collectFee(w http.ResponseWriter, r *http.Request) {
	out, err := h.services.Collector.CollectAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil && out.Deferred == 0 {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":  out.AgentID,
		"collected": out.Collected,
		"deferred":  out.Deferred,
		"shares":    out.Shares,
	})
}

func (h *handler) listRevenue(w http.ResponseWriter, r *http.Request) {
	source := revenue.Source(r.URL.Query().Get("source"))
	recs, err := h.services.Revenue.ListRevenueRecords(r.Context(), source)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type revenueView struct {
		ID        string    `json:"id"`
		Source    string    `json:"source"`
		Amount    float64   `json:"amount"`
		AgentID   string    `json:"agent_id,omitempty"`
		UserID    string    `json:"user_id,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	var total float64
	views := make([]revenueView, 0, len(recs))
	for _, rec := range recs {
		total += rec.Amount
		views = append(views, revenueView{
			ID:        rec.ID,
			Source:    string(rec.Source),
			Amount:    rec.Amount,
			AgentID:   rec.AgentID,
			UserID:    rec.UserID,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"records": views,
	})
}
