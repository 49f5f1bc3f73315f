package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/MegaGrindStone/llm-chat/internal/usage"
	"golang.org/x/sync/errgroup"
)

type modelOptionsData struct {
	Models        []models.ModelOption
	SelectedModel string
}

type usagePanelData struct {
	Model   string
	Pricing *usage.ModelPricing

	Balance            *services.CreditBalance
	BalanceUnavailable bool
	BalanceError       string
	UsedPercent        float64

	PromptTokens int
	PromptCost   float64
}

// HandleModels renders the model picker. With "refresh=1" the list is fetched again from the provider. A
// stored selection the provider no longer offers is replaced by a fallback.
func (m *Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	list := m.catalog.Models
	if r.URL.Query().Get("refresh") == "1" {
		list = m.catalog.Refresh
	}

	options, err := list(ctx)
	if err != nil {
		m.httpError(w, "Failed to list models", err)
		return
	}

	selected, err := m.session.ReconcileModel(ctx, options)
	if err != nil {
		m.httpError(w, "Failed to reconcile model", err)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "model_options", modelOptionsData{
		Models:        options,
		SelectedModel: selected,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSelectModel persists the "model" form field as the model for new conversations.
func (m *Main) HandleSelectModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		http.Error(w, "Model is required", http.StatusBadRequest)
		return
	}
	if err := m.session.SetModel(r.Context(), model); err != nil {
		m.httpError(w, "Failed to select model", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUsage renders the usage panel: the pricing of the selected model, the prompt size of the active
// conversation and the account's credit balance. The balance and the token count are computed concurrently.
func (m *Main) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := usagePanelData{Model: m.session.Model()}
	if p, ok := usage.GetModelPricing(data.Model); ok {
		data.Pricing = &p
	}

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		if m.balance == nil {
			data.BalanceUnavailable = true
			return nil
		}
		balance, err := m.balance.CreditBalance(ctx)
		switch {
		case err != nil:
			m.logger.Warn("Failed to load balance", slog.String(errLoggerKey, err.Error()))
			data.BalanceError = "Could not load balance"
		case balance == nil:
			data.BalanceUnavailable = true
		default:
			data.Balance = balance
			if balance.TotalGranted > 0 {
				data.UsedPercent = min(balance.TotalUsed/balance.TotalGranted*100, 100)
			}
		}
		return nil
	})

	var tokens int
	g.Go(func() error {
		conv, found, err := m.session.Selection().Active(ctx)
		if err != nil || !found {
			return err
		}
		tokens, err = usage.PromptTokens(data.Model, models.ChatMessages(conv.Messages))
		return err
	})

	if err := g.Wait(); err != nil {
		m.httpError(w, "Failed to compute usage", err)
		return
	}

	data.PromptTokens = tokens
	if data.Pricing != nil {
		data.PromptCost = data.Pricing.InputCost(tokens)
	}

	if err := m.templates.ExecuteTemplate(w, "usage_panel", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
