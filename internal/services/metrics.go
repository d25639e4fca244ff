package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsboard_license_activation_attempts_total",
		Help: "Activation attempts by outcome.",
	}, []string{"outcome"})

	tamperReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsboard_license_tamper_reports_total",
		Help: "Tamper reports received, by type.",
	}, []string{"type"})
)
