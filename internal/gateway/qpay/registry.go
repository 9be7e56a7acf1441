package qpay

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/config"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
)

// Registry holds one client per configured merchant profile.
type Registry struct {
	clients map[string]*Client
	order   []string
}

func NewRegistry(clients ...*Client) *Registry {
	registry := &Registry{clients: map[string]*Client{}}
	for _, client := range clients {
		if client == nil {
			continue
		}
		name := normalizeProfile(client.Profile())
		if name == "" {
			continue
		}
		if _, exists := registry.clients[name]; !exists {
			registry.order = append(registry.order, name)
		}
		registry.clients[name] = client
	}
	return registry
}

// NewRegistryFromConfig builds clients for every profile carrying credentials.
func NewRegistryFromConfig(cfg config.Config, log *zap.Logger, m *obsmetrics.Metrics) *Registry {
	clients := make([]*Client, 0, len(cfg.QPay.Profiles))
	for _, p := range cfg.QPay.Profiles {
		clients = append(clients, NewClient(cfg.QPay.BaseURL, Profile{
			Name:         p.Name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			InvoiceCode:  p.InvoiceCode,
			CallbackURL:  p.CallbackURL,
		}, WithLogger(log), WithMetrics(m), WithTimeout(cfg.QPay.HTTPTimeout)))
	}
	if len(clients) == 0 {
		log.Warn("no qpay profiles configured; gateway calls will fail")
	}
	return NewRegistry(clients...)
}

func (r *Registry) ProfileExists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.clients[normalizeProfile(name)]
	return ok
}

// Client returns the named profile, falling back to the default profile.
func (r *Registry) Client(name string) (*Client, error) {
	if r == nil {
		return nil, ErrNotConfigured
	}
	if client, ok := r.clients[normalizeProfile(name)]; ok {
		return client, nil
	}
	if client, ok := r.clients[config.ProfileDefault]; ok {
		return client, nil
	}
	return nil, ErrNotConfigured
}

// Candidates returns every client, the hinted profile first.
func (r *Registry) Candidates(hint string) []*Client {
	if r == nil {
		return nil
	}
	out := make([]*Client, 0, len(r.order))
	hint = normalizeProfile(hint)
	if client, ok := r.clients[hint]; ok {
		out = append(out, client)
	}
	for _, name := range r.order {
		if name == hint {
			continue
		}
		out = append(out, r.clients[name])
	}
	return out
}

// CheckPayment asks each profile in turn, hinted first, until one reports
// payments for the invoice. An empty answer is returned only when no profile
// reports any; the last error is returned only when none answered at all.
func (r *Registry) CheckPayment(ctx context.Context, invoiceID, hint string) (*PaymentCheck, string, error) {
	candidates := r.Candidates(hint)
	if len(candidates) == 0 {
		return nil, "", ErrNotConfigured
	}

	var (
		empty        *PaymentCheck
		emptyProfile string
		lastErr      error
	)
	for _, client := range candidates {
		if ctx.Err() != nil {
			break
		}
		result, err := client.CheckPayment(ctx, invoiceID)
		if err != nil {
			lastErr = err
			continue
		}
		if result.Count > 0 || len(result.Rows) > 0 {
			return result, client.Profile(), nil
		}
		if empty == nil {
			empty, emptyProfile = result, client.Profile()
		}
	}
	if empty != nil {
		return empty, emptyProfile, nil
	}
	if lastErr == nil {
		lastErr = &Error{Op: "check_payment", Kind: ErrUnavailable, Cause: ctx.Err()}
	}
	return nil, "", lastErr
}

func normalizeProfile(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
