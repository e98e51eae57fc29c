package usecase

import "kitchenpulse/internal/domain/models"

type noopOutbox struct{}

func (noopOutbox) OrderChanged(*models.Order) {}
func (noopOutbox) RushChanged(models.RushIndex) {}
func (noopOutbox) Audited(models.AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) RecordSignal(string, string) {}
func (noopMetrics) RecordError(string) {}
func (noopMetrics) RecordBias(string) {}
func (noopMetrics) RecordRushIndex(string, int) {}
func (noopMetrics) RecordLatency(string, float64) {}
