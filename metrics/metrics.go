// Package metrics holds the Prometheus collectors of the tabcoin engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabcoin"

type Metrics struct {
	Reviews        *prometheus.CounterVec
	ReviewDuration *prometheus.HistogramVec
	Rewards        *prometheus.CounterVec
	RewardedCoins  prometheus.Counter
	FirewallBlocks *prometheus.CounterVec
	LedgerEntries  *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	TxRetries      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every collector with reg. Use prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reviews: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_reviews_total",
			Help:      "Moderation reviews by action, review event type and outcome",
		}, []string{"action", "type", "outcome"}),
		ReviewDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "moderation_review_duration_seconds",
			Help:      "Time spent reviewing a closure",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		Rewards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Daily reward attempts by outcome",
		}, []string{"outcome"}),
		RewardedCoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewarded_tabcoins_total",
			Help:      "Tabcoins credited by the daily reward",
		}),
		FirewallBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_blocks_total",
			Help:      "Requests refused by a firewall rule",
		}, []string{"rule"}),
		LedgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Committed ledger entries by balance type",
		}, []string{"balance_type"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_lookups_total",
			Help:      "Balance cache lookups by result",
		}, []string{"result"}),
		TxRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialization_retries_total",
			Help:      "Operations re-run after a serialization failure",
		}, []string{"operation"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveReview(action, reviewType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Reviews.WithLabelValues(action, reviewType, outcome).Inc()
	m.ReviewDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) ObserveReward(outcome string, amount int64) {
	if m == nil {
		return
	}
	m.Rewards.WithLabelValues(outcome).Inc()
	if amount > 0 {
		m.RewardedCoins.Add(float64(amount))
	}
}

func (m *Metrics) ObserveBlock(rule string) {
	if m == nil {
		return
	}
	m.FirewallBlocks.WithLabelValues(rule).Inc()
}

func (m *Metrics) ObserveEntry(balanceType string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(balanceType).Inc()
}

func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(operation).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
